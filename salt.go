package keepsafe

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// Salt is caller-supplied auxiliary entropy that binds a protected payload to
// a context. It is immutable: constructors copy their input and Bytes returns
// a copy. A nil *Salt, or one with no bytes, is invalid.
type Salt struct {
	value []byte
}

// NewSalt returns a Salt holding a copy of value.
func NewSalt(value []byte) *Salt {
	if value == nil {
		return &Salt{}
	}
	v := make([]byte, len(value))
	copy(v, value)
	return &Salt{value: v}
}

// SaltFromString returns a Salt holding the UTF-16LE encoding of s. If s
// cannot be encoded the returned Salt carries no value and is not Valid.
func SaltFromString(s string) *Salt {
	v, err := EncodeText(s)
	if err != nil {
		return &Salt{}
	}
	return &Salt{value: v}
}

// NewRandomSalt returns a Salt of size bytes read from crypto/rand.
func NewRandomSalt(size int) (*Salt, error) {
	if size <= 0 {
		return nil, fmt.Errorf("salt size must be positive, got %d", size)
	}
	v := make([]byte, size)
	if _, err := rand.Read(v); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &Salt{value: v}, nil
}

// Valid reports whether s is non-nil and carries at least one byte.
func (s *Salt) Valid() bool {
	return s != nil && len(s.value) > 0
}

// Bytes returns a copy of the salt value, or nil for a nil Salt.
func (s *Salt) Bytes() []byte {
	if s == nil || s.value == nil {
		return nil
	}
	v := make([]byte, len(s.value))
	copy(v, s.value)
	return v
}

// Len returns the number of bytes in the salt.
func (s *Salt) Len() int {
	if s == nil {
		return 0
	}
	return len(s.value)
}

// String decodes the salt value as UTF-16LE text. Salts that were not
// created from text may decode to replacement characters.
func (s *Salt) String() string {
	if s == nil || len(s.value) == 0 {
		return ""
	}
	text, err := DecodeText(s.value)
	if err != nil {
		return ""
	}
	return text
}

// Equal reports value equality. Two nil salts are equal, and a nil salt
// equals an empty one only when both carry no value.
func (s *Salt) Equal(other *Salt) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if (s.value == nil) != (other.value == nil) {
		return false
	}
	return bytes.Equal(s.value, other.value)
}
