package signer

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// sealedSecret keeps a secret encrypted at rest in a memguard Enclave. The
// plaintext only exists inside a LockedBuffer for the duration of one
// signing operation.
type sealedSecret struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// seal copies secret into an enclave. An empty secret yields a sealedSecret
// whose open reports ErrSecretMissing.
func seal(secret string) *sealedSecret {
	s := &sealedSecret{}
	if secret == "" {
		return s
	}
	buf := []byte(secret)
	// NewEnclave wipes buf.
	s.enclave = memguard.NewEnclave(buf)
	return s
}

// open decrypts the secret into locked memory. The caller must Destroy the
// returned buffer.
func (s *sealedSecret) open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enclave == nil {
		return nil, ErrSecretMissing
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("signer: open enclave: %w", err)
	}
	return buf, nil
}

// destroy drops the enclave; later opens fail with ErrSecretMissing.
func (s *sealedSecret) destroy() {
	s.mu.Lock()
	s.enclave = nil
	s.mu.Unlock()
}
