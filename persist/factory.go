package persist

import (
	"fmt"
	"strings"
	"time"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, scopeID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, scopeID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, scopeID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateScopeID rejects IDs that could escape the scope's directory or
// object prefix.
func validateScopeID(scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("scope ID cannot be empty")
	}

	if scopeID == "." || strings.Contains(scopeID, "..") ||
		strings.ContainsAny(scopeID, "/\\ \x00") {
		return fmt.Errorf("scope ID contains invalid characters")
	}

	if len(scopeID) > 100 {
		return fmt.Errorf("scope ID too long (max 100 characters)")
	}

	return nil
}

func createObjectMetadata(scopeID, dataType string) map[string]string {
	return map[string]string{
		"keepsafe":   "true",
		"data-type":  dataType,
		"scope-id":   scopeID,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
}
