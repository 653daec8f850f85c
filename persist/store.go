package persist

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// ErrNotFound is returned by Load operations when the requested object has
// never been saved. It wraps os.ErrNotExist so callers can test either.
var ErrNotFound = fmt.Errorf("object %w", os.ErrNotExist)

// Store persists the key material of one user scope.
//
// A scope holds two objects: the wrapped user key record and the Argon2id
// derivation salt used to derive the key that wraps it. Both are opaque to
// the store; the user key record is already encrypted by the caller. Save
// operations are guarded by optimistic concurrency: a non-empty
// expectedVersion must match the stored version or a ConcurrencyError is
// returned.
type Store interface {

	// Scopes

	// ListScopes returns the IDs of every scope with data under the store root,
	// sorted ascending.
	ListScopes() ([]string, error)

	// DeleteScope removes all data for scopeID. The store's own scope cannot
	// be deleted through itself.
	DeleteScope(scopeID string) error

	// ScopeID returns the scope this store reads and writes.
	ScopeID() string

	// User key

	SaveKey(keyRecord []byte, expectedVersion string) (newVersion string, err error)

	// LoadKey returns the stored key record, or an error matching ErrNotFound.
	LoadKey() (*VersionedData, error)

	KeyExists() (bool, error)

	// Derivation salt

	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	// LoadSalt returns the stored salt, or an error matching ErrNotFound.
	LoadSalt() (*VersionedData, error)

	SaltExists() (bool, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the StoreType of the backend as a string.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/keepsafe"},
//	}
type StoreConfig struct {
	// Type must be one of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend specific settings. The filesystem store reads
	// "base_path"; the S3 store reads the fields of S3Config.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// ScopeConfig is the descriptor written alongside each scope's data. Its
// presence is what marks a directory or prefix as a scope.
type ScopeConfig struct {
	Version     string    `json:"version"`
	ScopeID     string    `json:"scope_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	Structure   string    `json:"structure_version"`
	Description string    `json:"description,omitempty"`
}

const (
	scopeConfigName = "scope.json"
	keyObjectName   = "user.key"
	saltObjectName  = "derivation.salt"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is or wraps a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
