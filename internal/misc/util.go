package misc

import (
	"errors"
	"os"
	"strings"
)

// IsNotFoundError reports whether err means that a stored object is absent.
// Stores wrap their own not-found conditions, so the message is inspected
// as a fallback after os.ErrNotExist.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}

// IsValidEnvVarName reports whether name can be used as an environment
// variable name: a letter or underscore followed by letters, digits or
// underscores, at most 128 characters.
func IsValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		letter := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_'
		digit := c >= '0' && c <= '9'
		if !letter && (i == 0 || !digit) {
			return false
		}
	}
	return true
}
