package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// HMAC implements the shared-secret scheme:
//
//	message   = timestamp + METHOD + path + compactJSONBody
//	signature = hex(HMAC-SHA256(secret, message))
//
// The body is the compact JSON of params for every method except GET.
type HMAC struct {
	apiKey string
	secret *sealedSecret
	names  HeaderNames
}

// NewHMAC seals secret for signing.
func NewHMAC(apiKey, secret string, names HeaderNames) *HMAC {
	return &HMAC{apiKey: apiKey, secret: seal(secret), names: names}
}

// Sign implements Signer.
func (s *HMAC) Sign(method, path string, params map[string]any, ts time.Time) (http.Header, error) {
	method = strings.ToUpper(method)
	stamp := Timestamp(ts)

	var body []byte
	if method != http.MethodGet {
		b, err := CompactJSON(params)
		if err != nil {
			return nil, err
		}
		body = b
	}

	buf, err := s.secret.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(stamp + method + path))
	mac.Write(body)

	return headers(s.names, s.apiKey, stamp, hex.EncodeToString(mac.Sum(nil))), nil
}

// Destroy wipes the sealed secret.
func (s *HMAC) Destroy() { s.secret.destroy() }
