// Package signer produces request authentication headers for the two
// exchange families: a shared-secret HMAC scheme and an Ed25519 scheme with
// base58 keys.
package signer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSecretMissing   = errors.New("signer: secret is not set")
	ErrSecretMalformed = errors.New("signer: secret is malformed")
)

// Signer computes authentication headers for one request. Implementations
// are pure functions of the secret and the arguments.
type Signer interface {
	Sign(method, path string, params map[string]any, ts time.Time) (http.Header, error)
}

// HeaderNames names the three headers an exchange expects.
type HeaderNames struct {
	Key       string
	Timestamp string
	Signature string
}

// Headers signs with a timestamp taken at call time.
func Headers(s Signer, method, path string, params map[string]any) (http.Header, error) {
	return s.Sign(method, path, params, time.Now())
}

// Timestamp renders ts as milliseconds since the epoch.
func Timestamp(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

// CompactJSON encodes params without whitespace and with keys sorted.
// Transports must send exactly these bytes as the request body.
func CompactJSON(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil, fmt.Errorf("signer: encode body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalQuery joins params as "k=v" pairs sorted by key.
func CanonicalQuery(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(FormatValue(params[k]))
	}
	return sb.String()
}

// FormatValue renders a parameter value the way it appears in a query.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func hasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut:
		return true
	default:
		return false
	}
}

func headers(names HeaderNames, apiKey, ts, sig string) http.Header {
	h := http.Header{}
	h.Set(names.Key, apiKey)
	h.Set(names.Timestamp, ts)
	h.Set(names.Signature, sig)
	return h
}
