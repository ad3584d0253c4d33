package store

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound indicates the key has no stored value.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidKey indicates a key that cannot be used as a storage name.
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("store closed")
)

// Store is an opaque blob store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set replaces the value for key.
	Set(key string, value []byte) error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey checks that key is usable by every Store implementation.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
