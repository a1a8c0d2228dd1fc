package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/deltahedge/hedger/internal/adapter"
)

// CredentialStore persists exchange credentials in a JSON file keyed by
// exchange name:
//
//	{"lighter": {"apiKey": "...", "apiSecret": "...", "accountId": 1, "l1Address": "0x..."}}
//
// Secret values may be "kms:<base64 ciphertext>"; they are stored as given.
type CredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewCredentialStore returns a store backed by the JSON file at path.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Path returns the backing file.
func (s *CredentialStore) Path() string { return s.path }

// Load returns the saved credentials. A missing file yields an empty map.
// Entries under unknown exchange names are skipped.
func (s *CredentialStore) Load() (map[adapter.Exchange]adapter.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[adapter.Exchange]adapter.Credentials)
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read credentials %s: %w", s.path, err)
	}

	var raw map[string]adapter.Credentials
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: decode credentials %s: %w", s.path, err)
	}
	for name, creds := range raw {
		ex, err := adapter.ParseExchange(name)
		if err != nil {
			continue
		}
		out[ex] = creds
	}
	return out, nil
}

// Save records creds for ex, keeping the entries of other exchanges. The
// file is replaced atomically with owner-only permissions.
func (s *CredentialStore) Save(ex adapter.Exchange, creds adapter.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string]adapter.Credentials)
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &all); err != nil {
			return fmt.Errorf("config: decode credentials %s: %w", s.path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("config: read credentials %s: %w", s.path, err)
	}
	all[string(ex)] = creds

	out, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("config: write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: write credentials: %w", err)
	}
	// CreateTemp already uses 0600.
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("config: replace %s: %w", s.path, err)
	}
	return nil
}
