package scope

import (
	"fmt"
	"os/user"
	"strings"
)

// Identity is the OS user a user key is bound to.
type Identity struct {
	UID      string
	Username string
}

// CurrentIdentity resolves the user running the process.
func CurrentIdentity() (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve current user: %w", err)
	}
	return Identity{UID: u.Uid, Username: u.Username}, nil
}

// ResolveIdentity returns the identity for options: the override when
// UserID is set, the OS user otherwise.
func ResolveIdentity(options Options) (Identity, error) {
	if options.UserID != "" {
		return Identity{UID: options.UserID, Username: options.UserID}, nil
	}
	return CurrentIdentity()
}

// ScopeID is the store scope holding this identity's key material.
func (i Identity) ScopeID() string {
	return "user-" + sanitizeUID(i.UID)
}

func validateUID(uid string) error {
	if strings.TrimSpace(uid) == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if len(uid) > 64 {
		return fmt.Errorf("user ID too long (max 64 characters)")
	}
	return nil
}

// sanitizeUID maps a uid (numeric on Unix, a SID on Windows) onto the
// characters a scope ID may contain.
func sanitizeUID(uid string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, uid)
}
