package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/deltahedge/hedger/internal/adapter"
)

// Prefix marks a credential value as base64 KMS ciphertext.
const Prefix = "kms:"

// ErrNoDecrypter is returned for a sealed value when KMS is unavailable.
var ErrNoDecrypter = errors.New("kms: sealed value but no KMS client configured")

// Decrypter turns KMS ciphertext into plaintext. *Client implements it.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Sealed reports whether value must be decrypted before use.
func Sealed(value string) bool { return strings.HasPrefix(value, Prefix) }

// Resolver replaces sealed credential values with their plaintext.
type Resolver struct {
	dec Decrypter // nil when KMS is not configured
}

// NewResolver returns a Resolver; dec may be nil when no value is sealed.
func NewResolver(dec Decrypter) *Resolver {
	return &Resolver{dec: dec}
}

// Resolve returns value unchanged unless it carries Prefix.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !Sealed(value) {
		return value, nil
	}
	if r.dec == nil {
		return "", ErrNoDecrypter
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("kms: sealed value is not base64: %w", err)
	}
	plain, err := r.dec.Decrypt(ctx, blob)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(plain)
	return strings.TrimSpace(string(plain)), nil
}

// Credentials resolves the API key and secret of creds.
func (r *Resolver) Credentials(ctx context.Context, creds adapter.Credentials) (adapter.Credentials, error) {
	key, err := r.Resolve(ctx, creds.APIKey)
	if err != nil {
		return adapter.Credentials{}, fmt.Errorf("api key: %w", err)
	}
	secret, err := r.Resolve(ctx, creds.APISecret)
	if err != nil {
		return adapter.Credentials{}, fmt.Errorf("api secret: %w", err)
	}
	creds.APIKey = key
	creds.APISecret = secret
	return creds, nil
}

// All resolves every entry of saved. Entries that fail are left out and
// their errors joined.
func (r *Resolver) All(ctx context.Context, saved map[adapter.Exchange]adapter.Credentials) (map[adapter.Exchange]adapter.Credentials, error) {
	out := make(map[adapter.Exchange]adapter.Credentials, len(saved))
	var errs []error
	for ex, creds := range saved {
		c, err := r.Credentials(ctx, creds)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ex, err))
			continue
		}
		out[ex] = c
	}
	return out, errors.Join(errs...)
}
