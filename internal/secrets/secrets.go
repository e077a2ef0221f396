// Package secrets keeps provider credentials in the OS credential store
// (macOS Keychain, Secret Service, Windows Credential Manager).
package secrets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// Account is the credential-store user every aibo secret is filed under.
	Account = "aibo"
	// ServicePrefix is prepended to the setting key to form the service name.
	ServicePrefix = "aibo/"

	availabilityKey = "__aibo_availability__"
)

// ErrNotFound is returned when the credential store has no entry for a key.
var ErrNotFound = errors.New("secret not found")

// Store is a credential store for a small set of secret setting keys.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Available() bool
}

// KeyringStore is the OS credential store.
type KeyringStore struct {
	once      sync.Once
	available bool
}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func service(key string) string {
	return ServicePrefix + key
}

func (k *KeyringStore) Get(key string) (string, error) {
	v, err := keyring.Get(service(key), Account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (k *KeyringStore) Set(key, value string) error {
	if err := keyring.Set(service(key), Account, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing entry is not an error.
func (k *KeyringStore) Delete(key string) error {
	err := keyring.Delete(service(key), Account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// Available checks the credential store once. A clean "not found" counts as available.
func (k *KeyringStore) Available() bool {
	k.once.Do(func() {
		_, err := keyring.Get(service(availabilityKey), Account)
		k.available = err == nil || errors.Is(err, keyring.ErrNotFound)
	})
	return k.available
}

// SecretKeys are the settings whose plaintext lives in the credential store.
var SecretKeys = map[string]bool{
	"OPENAI_API_KEY":    true,
	"ANTHROPIC_API_KEY": true,
	"DEEPSEEK_API_KEY":  true,
}

// IsSecretKey reports whether key is stored in the credential store.
func IsSecretKey(key string) bool {
	return SecretKeys[key]
}
