package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// KeyStore hands out key material by version. Implementations must be safe
// for concurrent use and must keep retired versions available for decryption.
type KeyStore interface {
	// Key returns the raw key for version, or an error wrapping ErrKeyNotFound.
	Key(version int) ([]byte, error)

	// ActiveVersion returns the version new envelopes are sealed with.
	ActiveVersion() int
}

// Keystore is the on-disk JSON format read by LoadKeyFile.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64-encoded 32-byte key
}

// StaticKeyStore is an in-memory KeyStore over a fixed set of keys.
type StaticKeyStore struct {
	mu     sync.RWMutex
	active int
	keys   map[int][]byte
}

// NewStaticKeyStore creates a StaticKeyStore. active must be present in keys.
func NewStaticKeyStore(active int, keys map[int][]byte) (*StaticKeyStore, error) {
	s := &StaticKeyStore{active: active, keys: make(map[int][]byte, len(keys))}
	for v, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("cryptobox: key v%d invalid length %d (need %d)", v, len(k), KeySize)
		}
		cp := make([]byte, KeySize)
		copy(cp, k)
		s.keys[v] = cp
	}
	if _, ok := s.keys[active]; !ok {
		return nil, fmt.Errorf("%w: active version %d", ErrKeyNotFound, active)
	}
	return s, nil
}

// Key implements KeyStore.
func (s *StaticKeyStore) Key(version int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}
	return k, nil
}

// ActiveVersion implements KeyStore.
func (s *StaticKeyStore) ActiveVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Activate switches the active version to one already held by the store.
func (s *StaticKeyStore) Activate(version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[version]; !ok {
		return fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}
	s.active = version
	return nil
}

// LoadKeyFile reads a Keystore JSON file into a StaticKeyStore.
// The file is only read; keys are provisioned out of band (see ledgerctl keygen).
func LoadKeyFile(path string) (*StaticKeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: read keystore: %w", err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("cryptobox: parse keystore: %w", err)
	}
	return ks.Decode()
}

// Decode converts the base64 keystore into a StaticKeyStore.
func (ks *Keystore) Decode() (*StaticKeyStore, error) {
	keys := make(map[int][]byte, len(ks.Keys))
	for vStr, encoded := range ks.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: decode key v%d: %w", v, err)
		}
		keys[v] = key
	}
	return NewStaticKeyStore(ks.ActiveVersion, keys)
}

// Rotate adds a freshly generated key under the next free version and makes
// it active. Existing versions are kept so older envelopes still open.
func (ks *Keystore) Rotate() (int, error) {
	next := 1
	for vStr := range ks.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return 0, fmt.Errorf("cryptobox: invalid version %q: %w", vStr, err)
		}
		if v >= next {
			next = v + 1
		}
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, fmt.Errorf("cryptobox: generate key: %w", err)
	}
	if ks.Keys == nil {
		ks.Keys = make(map[string]string)
	}
	ks.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	ks.ActiveVersion = next
	return next, nil
}

// ReadKeystore reads a Keystore file. A missing file yields an empty Keystore.
func ReadKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Keystore{Keys: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cryptobox: read keystore: %w", err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("cryptobox: parse keystore: %w", err)
	}
	return &ks, nil
}

// WriteKeystore saves ks to path with owner-only permissions, replacing the
// file atomically.
func WriteKeystore(path string, ks *Keystore) error {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("cryptobox: encode keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cryptobox: create keystore dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cryptobox: write keystore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cryptobox: replace keystore: %w", err)
	}
	return nil
}
