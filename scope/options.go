package scope

import (
	"fmt"

	"southwinds.dev/keepsafe/internal/misc"
)

// KeySource names the material the key-encryption key is derived from.
type KeySource string

const (
	KeySourcePassphrase KeySource = "passphrase"
	KeySourceMachine    KeySource = "machine"
)

// Options configures a Protector.
type Options struct {
	// Passphrase is the key material for the key-encryption key. It takes
	// precedence over EnvPassphraseVar and UseMachineKey.
	Passphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the passphrase.
	// The variable is unset once read.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// UseMachineKey derives the key-encryption key from the host machine id
	// when no passphrase is configured. The user key is then bound to this
	// machine.
	UseMachineKey bool `json:"use_machine_key"`

	// MachineKeyPaths overrides the files read for the machine id.
	MachineKeyPaths []string `json:"machine_key_paths,omitempty"`

	// UserID overrides the OS user as the identity the key is bound to.
	// Intended for service accounts and tests.
	UserID string `json:"-"`
}

// Validate checks that exactly enough key material is configured.
func (o Options) Validate() error {
	if o.Passphrase == "" && o.EnvPassphraseVar == "" && !o.UseMachineKey {
		return fmt.Errorf("one of Passphrase, EnvPassphraseVar or UseMachineKey must be provided")
	}

	if o.Passphrase != "" && len(o.Passphrase) < misc.MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}

	if o.EnvPassphraseVar != "" && !misc.IsValidEnvVarName(o.EnvPassphraseVar) {
		return fmt.Errorf("invalid environment variable name: %s", o.EnvPassphraseVar)
	}

	if o.UserID != "" {
		if err := validateUID(o.UserID); err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
	}

	return nil
}

// keySource reports which material New will use, following the precedence
// documented on Options.
func (o Options) keySource() KeySource {
	if o.Passphrase != "" || o.EnvPassphraseVar != "" {
		return KeySourcePassphrase
	}
	return KeySourceMachine
}
