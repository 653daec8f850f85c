// Package machine reads the host machine identifier and exposes it as key
// material for the user-scoped protection primitive.
package machine

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"southwinds.dev/keepsafe/internal/debug"
)

// DefaultPaths are tried in order when a Reader has no explicit path.
var DefaultPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// ErrNoMachineID is returned when none of the candidate files exist.
var ErrNoMachineID = errors.New("no machine id found")

// Key is the 16-byte machine identifier.
type Key struct {
	value []byte
}

// NewKey copies value into a Key.
func NewKey(value []byte) Key {
	if value == nil {
		return Key{}
	}
	return Key{value: bytes.Clone(value)}
}

// Valid reports whether the key holds any bytes.
func (k Key) Valid() bool {
	return len(k.value) > 0
}

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	if k.value == nil {
		return nil
	}
	return bytes.Clone(k.value)
}

// Equal compares two keys in constant time. Two empty keys are equal.
func (k Key) Equal(other Key) bool {
	if len(k.value) != len(other.value) {
		return false
	}
	return subtle.ConstantTimeCompare(k.value, other.value) == 1
}

// Reader reads the machine id from the first existing file in Paths.
type Reader struct {
	Paths []string
}

// NewReader returns a Reader probing paths, or DefaultPaths when none are
// given.
func NewReader(paths ...string) *Reader {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Reader{Paths: paths}
}

// ReadKey returns the parsed machine id. The file content must be a UUID in
// any form accepted by uuid.Parse; systemd writes 32 lowercase hex digits.
func (r *Reader) ReadKey() (Key, error) {
	for _, path := range r.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				debug.Print("machine id not found at %s\n", path)
				continue
			}
			return Key{}, fmt.Errorf("failed to read machine id from %s: %w", path, err)
		}

		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return Key{}, fmt.Errorf("unable to parse machine id in %s: %w", path, err)
		}
		return Key{value: id[:]}, nil
	}
	return Key{}, ErrNoMachineID
}
