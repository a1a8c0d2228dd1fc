package signer

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Ed25519 implements the asymmetric scheme:
//
//	message   = timestamp + METHOD + path + query(GET/DELETE) + compactJSONBody(POST/PUT)
//	signature = base58(Ed25519(privateKey, message))
//
// The secret is a base58-encoded 32-byte seed or 64-byte private key.
type Ed25519 struct {
	apiKey string
	secret *sealedSecret
	names  HeaderNames
}

// NewEd25519 seals secret; it is decoded only when signing.
func NewEd25519(apiKey, secret string, names HeaderNames) *Ed25519 {
	return &Ed25519{apiKey: apiKey, secret: seal(secret), names: names}
}

// Sign implements Signer.
func (s *Ed25519) Sign(method, path string, params map[string]any, ts time.Time) (http.Header, error) {
	method = strings.ToUpper(method)
	stamp := Timestamp(ts)

	msg := stamp + method + path
	if hasBody(method) {
		body, err := CompactJSON(params)
		if err != nil {
			return nil, err
		}
		msg += string(body)
	} else {
		msg += CanonicalQuery(params)
	}

	buf, err := s.secret.open()
	if err != nil {
		return nil, err
	}
	key, err := decodePrivateKey(string(buf.Bytes()))
	buf.Destroy()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(key, []byte(msg))
	wipe(key)

	return headers(s.names, s.apiKey, stamp, base58.Encode(sig)), nil
}

// PublicKey derives the base58 public key, which exchanges of this family
// use as the account address.
func (s *Ed25519) PublicKey() (string, error) {
	buf, err := s.secret.open()
	if err != nil {
		return "", err
	}
	key, err := decodePrivateKey(string(buf.Bytes()))
	buf.Destroy()
	if err != nil {
		return "", err
	}
	defer wipe(key)
	return base58.Encode(key.Public().(ed25519.PublicKey)), nil
}

// Destroy wipes the sealed secret.
func (s *Ed25519) Destroy() { s.secret.destroy() }

func decodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base58: %v", ErrSecretMalformed, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		key := ed25519.NewKeyFromSeed(raw)
		wipe(raw)
		return key, nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		n := len(raw)
		wipe(raw)
		return nil, fmt.Errorf("%w: key length %d, want %d or %d",
			ErrSecretMalformed, n, ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
