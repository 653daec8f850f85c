// Package scope implements the user-scoped protection primitive: data
// protected by one OS user can only be unprotected by the same user, with the
// same entropy, holding the same user key.
package scope

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/internal/crypto"
	"southwinds.dev/keepsafe/internal/debug"
	"southwinds.dev/keepsafe/internal/misc"
	"southwinds.dev/keepsafe/machine"
	"southwinds.dev/keepsafe/persist"
)

var (
	ErrClosed         = errors.New("protector is closed")
	ErrWrongKey       = errors.New("payload was protected under a different user key")
	ErrWrongUser      = errors.New("key belongs to a different user")
	ErrUnlockFailed   = errors.New("failed to unlock user key: wrong passphrase or machine key")
	ErrMalformed      = errors.New("malformed payload")
	ErrUnknownVersion = errors.New("unsupported payload version")
)

var errInvalidExport = errors.New("exported key is invalid")

// version byte + key ID length
const headerFixedBytes = 3

// Protector binds protection to one OS user. It holds the unwrapped user key
// in a memguard enclave; every call derives a fresh subkey from it and the
// caller's entropy.
//
// Payload layout:
//
//	[1 byte  : format version]
//	[2 bytes : key ID length (big-endian)]
//	[N bytes : key ID]
//	[12 bytes: nonce]
//	[M bytes : ciphertext + tag]
//
// The header and the user's uid are authenticated as additional data.
type Protector struct {
	mu sync.RWMutex

	store    persist.Store
	audit    audit.Logger
	identity Identity
	source   KeySource

	userKey    *memguard.Enclave
	kek        *memguard.Enclave
	keyID      string
	keyVersion string
	checksum   string
	createdAt  time.Time
	created    bool
	closed     bool
}

// keyRecord is the persisted, wrapped form of a user key.
type keyRecord struct {
	Version    int       `json:"version"`
	KeyID      string    `json:"key_id"`
	UID        string    `json:"uid"`
	KDF        string    `json:"kdf"`
	Source     KeySource `json:"key_source"`
	WrappedKey []byte    `json:"wrapped_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// exportedKey is the plaintext inside a passphrase-encrypted key export.
type exportedKey struct {
	Version   int       `json:"version"`
	KeyID     string    `json:"key_id"`
	UID       string    `json:"uid"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Status describes a Protector for display.
type Status struct {
	ScopeID   string    `json:"scope_id" yaml:"scope_id"`
	UID       string    `json:"uid" yaml:"uid"`
	Username  string    `json:"username" yaml:"username"`
	KeyID     string    `json:"key_id" yaml:"key_id"`
	KeySource KeySource `json:"key_source" yaml:"key_source"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Created   bool      `json:"created_this_session" yaml:"created_this_session"`
	StoreType string    `json:"store_type" yaml:"store_type"`
	// RecordChecksum is the SHA-256 of the persisted key record.
	RecordChecksum string `json:"record_checksum" yaml:"record_checksum"`
	Closed         bool   `json:"closed" yaml:"closed"`
}

// New opens the user key held in store for the resolved identity, creating
// it on first use. store must be scoped to Identity.ScopeID(). A nil
// auditLogger disables auditing; the caller keeps ownership of it.
func New(options Options, store persist.Store, auditLogger audit.Logger) (*Protector, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	identity, err := ResolveIdentity(options)
	if err != nil {
		return nil, err
	}
	if store.ScopeID() != identity.ScopeID() {
		return nil, fmt.Errorf("store scope %q does not belong to user %s", store.ScopeID(), identity.UID)
	}

	if err = store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	p := &Protector{
		store:    store,
		audit:    auditLogger,
		identity: identity,
		source:   options.keySource(),
	}

	saltEnclave, err := p.loadOrCreateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to setup derivation salt: %w", err)
	}

	material, err := p.keyMaterial(options)
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKey(material, saltEnclave)
	memguard.WipeBytes(material)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	// Seal wipes and destroys the LockedBuffer
	p.kek = kek.Seal()

	if err = p.loadOrCreateKey(); err != nil {
		return nil, err
	}

	debug.Print("scope.New: scope %s key %s created=%t\n", identity.ScopeID(), p.keyID, p.created)
	return p, nil
}

func (p *Protector) loadOrCreateSalt() (*memguard.Enclave, error) {
	exists, err := p.store.SaltExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check salt existence: %w", err)
	}

	if exists {
		versioned, err := p.store.LoadSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to load salt: %w", err)
		}
		if len(versioned.Data) < 16 {
			memguard.WipeBytes(versioned.Data)
			return nil, fmt.Errorf("stored salt is too short: %d bytes", len(versioned.Data))
		}
		// NewEnclave wipes the loaded copy
		return memguard.NewEnclave(versioned.Data), nil
	}

	saltData := make([]byte, misc.DerivationSaltSize)
	if _, err = rand.Read(saltData); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err = p.store.SaveSalt(saltData, ""); err != nil {
		memguard.WipeBytes(saltData)
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return memguard.NewEnclave(saltData), nil
}

// keyMaterial returns the KEK input: the configured secret followed by the
// uid. The caller wipes it.
func (p *Protector) keyMaterial(options Options) ([]byte, error) {
	var secret []byte

	switch {
	case options.Passphrase != "":
		secret = []byte(options.Passphrase)
	case options.EnvPassphraseVar != "":
		envPass := os.Getenv(options.EnvPassphraseVar)
		if envPass == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", options.EnvPassphraseVar)
		}
		secret = []byte(envPass)
		_ = os.Unsetenv(options.EnvPassphraseVar)
		if len(secret) < misc.MinPassphraseLength {
			memguard.WipeBytes(secret)
			return nil, fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
		}
	default:
		key, err := machine.NewReader(options.MachineKeyPaths...).ReadKey()
		if err != nil {
			return nil, fmt.Errorf("failed to read machine key: %w", err)
		}
		if !key.Valid() {
			return nil, fmt.Errorf("machine key is empty")
		}
		secret = key.Bytes()
	}

	material := make([]byte, 0, len(secret)+len(p.identity.UID))
	material = append(material, secret...)
	material = append(material, p.identity.UID...)
	memguard.WipeBytes(secret)
	return material, nil
}

func (p *Protector) loadOrCreateKey() error {
	versioned, err := p.store.LoadKey()
	if err != nil {
		if misc.IsNotFoundError(err) {
			return p.createKey()
		}
		return fmt.Errorf("failed to load user key: %w", err)
	}

	var record keyRecord
	if err = json.Unmarshal(versioned.Data, &record); err != nil {
		return fmt.Errorf("failed to parse user key record: %w", err)
	}
	if record.Version != misc.KeyRecordVersion {
		return fmt.Errorf("unsupported key record version: %d", record.Version)
	}
	if !validKeyID(record.KeyID) {
		return fmt.Errorf("user key record has an invalid key ID")
	}
	if record.UID != p.identity.UID {
		p.logKey(audit.ActionKeyUnlock, false, record.KeyID, ErrWrongUser)
		return ErrWrongUser
	}

	keyBytes, err := p.unwrap(record)
	if err != nil {
		p.logKey(audit.ActionKeyUnlock, false, record.KeyID, err)
		return ErrUnlockFailed
	}

	p.userKey = memguard.NewEnclave(keyBytes)
	p.keyID = record.KeyID
	p.keyVersion = versioned.Version
	p.checksum = crypto.CalculateChecksum(versioned.Data)
	p.createdAt = record.CreatedAt
	p.logKey(audit.ActionKeyUnlock, true, p.keyID, nil)
	return nil
}

func (p *Protector) createKey() error {
	keyBytes := make([]byte, misc.UserKeySize)
	if _, err := rand.Read(keyBytes); err != nil {
		return fmt.Errorf("failed to generate user key: %w", err)
	}
	defer memguard.WipeBytes(keyBytes)

	if crypto.IsWeakKey(keyBytes) {
		return fmt.Errorf("generated user key failed strength check")
	}

	keyID := uuid.NewString()
	createdAt := time.Now().UTC()

	version, checksum, err := p.saveKey(keyBytes, keyID, createdAt, "")
	if err != nil {
		p.logKey(audit.ActionKeyCreate, false, keyID, err)
		return fmt.Errorf("failed to save user key: %w", err)
	}

	p.userKey = memguard.NewEnclave(bytes.Clone(keyBytes))
	p.keyID = keyID
	p.keyVersion = version
	p.checksum = checksum
	p.createdAt = createdAt
	p.created = true
	p.logKey(audit.ActionKeyCreate, true, keyID, nil)
	return nil
}

// saveKey wraps keyBytes under the KEK and persists the record. It returns
// the new store version and the record checksum.
func (p *Protector) saveKey(keyBytes []byte, keyID string, createdAt time.Time, expectedVersion string) (string, string, error) {
	kek, err := p.kek.Open()
	if err != nil {
		return "", "", fmt.Errorf("failed to open key-encryption key: %w", err)
	}
	defer kek.Destroy()

	wrapped, err := crypto.EncryptValue(keyBytes, kek.Bytes(), wrapAAD(keyID, p.identity.UID))
	if err != nil {
		return "", "", err
	}

	data, err := json.Marshal(keyRecord{
		Version:    misc.KeyRecordVersion,
		KeyID:      keyID,
		UID:        p.identity.UID,
		KDF:        "argon2id",
		Source:     p.source,
		WrappedKey: wrapped,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal key record: %w", err)
	}

	version, err := p.store.SaveKey(data, expectedVersion)
	if err != nil {
		return "", "", err
	}
	return version, crypto.CalculateChecksum(data), nil
}

func (p *Protector) unwrap(record keyRecord) ([]byte, error) {
	kek, err := p.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key-encryption key: %w", err)
	}
	defer kek.Destroy()

	keyBytes, err := crypto.DecryptValue(record.WrappedKey, kek.Bytes(), wrapAAD(record.KeyID, record.UID))
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != misc.UserKeySize {
		memguard.WipeBytes(keyBytes)
		return nil, fmt.Errorf("unwrapped key has invalid size %d", len(keyBytes))
	}
	return keyBytes, nil
}

func validKeyID(keyID string) bool {
	return keyID != "" && len(keyID) <= misc.MaxKeyIDLength
}

func wrapAAD(keyID, uid string) []byte {
	return []byte("keepsafe/v1/key:" + keyID + ":" + uid)
}

// Protect seals plaintext under a subkey derived from the user key and
// entropy.
func (p *Protector) Protect(plaintext, entropy []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	header := p.header()
	out, err := p.seal(header, plaintext, entropy)
	if err != nil {
		p.logData(audit.ActionProtect, false, len(plaintext), err)
		return nil, err
	}

	p.logData(audit.ActionProtect, true, len(plaintext), nil)
	return out, nil
}

// Unprotect reverses Protect. Any mismatch of user, key, entropy or payload
// bytes fails authentication.
func (p *Protector) Unprotect(ciphertext, entropy []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	plaintext, err := p.open(ciphertext, entropy)
	if err != nil {
		p.logData(audit.ActionUnprotect, false, len(ciphertext), err)
		return nil, err
	}

	p.logData(audit.ActionUnprotect, true, len(plaintext), nil)
	return plaintext, nil
}

func (p *Protector) header() []byte {
	header := make([]byte, headerFixedBytes, headerFixedBytes+len(p.keyID))
	header[0] = misc.PayloadVersion
	binary.BigEndian.PutUint16(header[1:3], uint16(len(p.keyID)))
	return append(header, p.keyID...)
}

func (p *Protector) seal(header, plaintext, entropy []byte) ([]byte, error) {
	subkey, err := p.subkey(entropy)
	if err != nil {
		return nil, err
	}
	defer subkey.Destroy()

	sealed, err := crypto.EncryptValue(plaintext, subkey.Bytes(), p.aad(header))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	return append(out, sealed...), nil
}

func (p *Protector) open(ciphertext, entropy []byte) ([]byte, error) {
	header, body, err := splitPayload(ciphertext)
	if err != nil {
		return nil, err
	}
	if keyID := string(header[headerFixedBytes:]); keyID != p.keyID {
		debug.Print("Unprotect: payload key %s, current key %s\n", keyID, p.keyID)
		return nil, ErrWrongKey
	}

	subkey, err := p.subkey(entropy)
	if err != nil {
		return nil, err
	}
	defer subkey.Destroy()

	return crypto.DecryptValue(body, subkey.Bytes(), p.aad(header))
}

// splitPayload separates the header from nonce and ciphertext.
func splitPayload(payload []byte) (header, body []byte, err error) {
	if len(payload) < headerFixedBytes {
		return nil, nil, ErrMalformed
	}
	if payload[0] != misc.PayloadVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownVersion, payload[0])
	}
	idLen := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < headerFixedBytes+idLen {
		return nil, nil, ErrMalformed
	}
	return payload[:headerFixedBytes+idLen], payload[headerFixedBytes+idLen:], nil
}

func (p *Protector) subkey(entropy []byte) (*memguard.LockedBuffer, error) {
	if p.userKey == nil {
		return nil, fmt.Errorf("user key not initialized")
	}
	key, err := p.userKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open user key: %w", err)
	}
	defer key.Destroy()

	return crypto.DeriveSubkey(key.Bytes(), entropy, []byte(misc.SubkeyInfoPrefix+p.identity.UID))
}

func (p *Protector) aad(header []byte) []byte {
	aad := make([]byte, 0, len(header)+len(p.identity.UID))
	aad = append(aad, header...)
	return append(aad, p.identity.UID...)
}

// ExportKey returns the user key encrypted under passphrase, for ImportKey
// on another store or machine.
func (p *Protector) ExportKey(passphrase []byte) ([]byte, error) {
	if len(passphrase) < misc.MinPassphraseLength {
		return nil, fmt.Errorf("export passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	key, err := p.userKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open user key: %w", err)
	}
	defer key.Destroy()

	plain, err := json.Marshal(exportedKey{
		Version:   misc.KeyRecordVersion,
		KeyID:     p.keyID,
		UID:       p.identity.UID,
		Key:       key.Bytes(),
		CreatedAt: p.createdAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exported key: %w", err)
	}
	defer memguard.WipeBytes(plain)

	exported, err := crypto.EncryptWithPassphrase(plain, passphrase)
	if err != nil {
		p.logKey(audit.ActionKeyExport, false, p.keyID, err)
		return nil, fmt.Errorf("failed to encrypt exported key: %w", err)
	}

	p.logKey(audit.ActionKeyExport, true, p.keyID, nil)
	return exported, nil
}

// ImportKey replaces the current user key with one produced by ExportKey.
// The export must belong to the same uid. The imported key is re-wrapped
// under this Protector's key-encryption key.
func (p *Protector) ImportKey(exported, passphrase []byte) error {
	plain, err := crypto.DecryptWithPassphrase(exported, passphrase)
	if err != nil {
		p.logKey(audit.ActionKeyImport, false, "", err)
		return fmt.Errorf("failed to decrypt exported key: %w", err)
	}
	defer memguard.WipeBytes(plain)

	var imported exportedKey
	if err = json.Unmarshal(plain, &imported); err != nil {
		return fmt.Errorf("failed to parse exported key: %w", err)
	}
	defer memguard.WipeBytes(imported.Key)

	if imported.UID != p.identity.UID {
		p.logKey(audit.ActionKeyImport, false, imported.KeyID, ErrWrongUser)
		return ErrWrongUser
	}
	if len(imported.Key) != misc.UserKeySize || !validKeyID(imported.KeyID) {
		p.logKey(audit.ActionKeyImport, false, "", errInvalidExport)
		return errInvalidExport
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	version, checksum, err := p.saveKey(imported.Key, imported.KeyID, imported.CreatedAt, p.keyVersion)
	if err != nil {
		p.logKey(audit.ActionKeyImport, false, imported.KeyID, err)
		if persist.IsConcurrencyError(err) {
			return fmt.Errorf("user key was replaced by another process, reopen and retry: %w", err)
		}
		return fmt.Errorf("failed to save imported key: %w", err)
	}

	p.userKey = memguard.NewEnclave(bytes.Clone(imported.Key))
	p.keyID = imported.KeyID
	p.keyVersion = version
	p.checksum = checksum
	p.createdAt = imported.CreatedAt
	p.created = false

	p.logKey(audit.ActionKeyImport, true, p.keyID, nil)
	return nil
}

// Status reports the identity, key and store of the Protector.
func (p *Protector) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Status{
		ScopeID:        p.identity.ScopeID(),
		UID:            p.identity.UID,
		Username:       p.identity.Username,
		KeyID:          p.keyID,
		KeySource:      p.source,
		CreatedAt:      p.createdAt,
		Created:        p.created,
		StoreType:      p.store.GetType(),
		RecordChecksum: p.checksum,
		Closed:         p.closed,
	}
}

// Close drops the key enclaves and closes the store. Further calls fail
// with ErrClosed. The audit logger is left open.
func (p *Protector) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.userKey = nil
	p.kek = nil

	p.logKey(audit.ActionKeyClose, true, p.keyID, nil)
	return p.store.Close()
}

func (p *Protector) logKey(action string, success bool, keyID string, err error) {
	metadata := map[string]interface{}{
		"user_id":    p.identity.UID,
		"key_source": string(p.source),
	}
	if keyID != "" {
		metadata["key_id"] = keyID
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = p.audit.Log(action, success, metadata)
}

func (p *Protector) logData(action string, success bool, size int, err error) {
	metadata := map[string]interface{}{
		"user_id":   p.identity.UID,
		"key_id":    p.keyID,
		"data_size": size,
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = p.audit.Log(action, success, metadata)
}
