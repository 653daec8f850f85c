package misc

const (
	// PayloadVersion is the first byte of every payload produced by the
	// user-scoped protector.
	PayloadVersion byte = 1

	// KeyRecordVersion is the schema version of a persisted user key record.
	KeyRecordVersion = 1

	// Argon2id parameters for the key-encryption key
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// DerivationSaltSize is the size of the stored Argon2id salt.
	DerivationSaltSize = 32

	// UserKeySize is the size of a user key and of every derived subkey.
	UserKeySize = 32

	// MinPassphraseLength applies to the key-encryption passphrase and to
	// export passphrases.
	MinPassphraseLength = 12

	// MaxKeyIDLength bounds key IDs, which are written into every payload
	// header behind a two-byte length.
	MaxKeyIDLength = 128

	// SubkeyInfoPrefix prefixes the HKDF info string; the user's uid follows.
	SubkeyInfoPrefix = "keepsafe/v1/user:"

	FilePermissions = 0600 // user read + write
)
