// Package vault stores the agent's credentials behind a small get/set/clear
// contract.
package vault

import (
	"errors"
	"sync"
)

// Credential keys used by the agent.
const (
	KeyDeviceID     = "device_id"
	KeyDeviceToken  = "device_token"
	KeyServiceToken = "service_token"
)

var (
	// ErrNotFound is returned by Get when key has no value.
	ErrNotFound = errors.New("secret not found")
	// ErrEmptyKey is returned when a key is blank.
	ErrEmptyKey = errors.New("secret key must not be empty")
)

// SecretVault is a key/value store for secrets.
type SecretVault interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Clear() error
}

// MemoryVault keeps secrets in process memory. It is used in tests and
// when no vault file is configured.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryVault returns an empty MemoryVault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

// Get returns the value stored under key.
func (v *MemoryVault) Get(key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

// Set stores value under key. An empty value deletes the key.
func (v *MemoryVault) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if value == "" {
		delete(v.secrets, key)
		return nil
	}
	v.secrets[key] = value
	return nil
}

// Clear removes every secret.
func (v *MemoryVault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets = make(map[string]string)
	return nil
}

// Lookup returns the value of key or an empty string when it is unset or the
// vault cannot be read.
func Lookup(v SecretVault, key string) string {
	val, err := v.Get(key)
	if err != nil {
		return ""
	}
	return val
}
