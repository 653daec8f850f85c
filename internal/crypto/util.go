package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/keepsafe/internal/misc"
)

const (
	exportSaltSize   = 32
	exportIterations = 100000
)

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 + ChaCha20-Poly1305.
// Output layout: salt (32) | nonce (12) | ciphertext+tag.
func EncryptWithPassphrase(data, passphrase []byte) ([]byte, error) {
	salt := make([]byte, exportSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key(passphrase, salt, exportIterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	sealed, err := EncryptValue(data, key, salt)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, len(salt)+len(sealed))
	result = append(result, salt...)
	return append(result, sealed...), nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData, passphrase []byte) ([]byte, error) {
	if len(encryptedData) < exportSaltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:exportSaltSize]
	key := pbkdf2.Key(passphrase, salt, exportIterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	plaintext, err := DecryptValue(encryptedData[exportSaltSize:], key, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DeriveKey stretches key material into a key-encryption key with Argon2id.
// The salt is read from its enclave and the result is returned in a locked
// buffer that the caller must Destroy.
func DeriveKey(material []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	if len(material) == 0 {
		return nil, errors.New("key material is empty")
	}
	if saltEnclave == nil {
		return nil, errors.New("derivation salt not initialized")
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	derivedKey := argon2.IDKey(
		material,
		saltBuffer.Bytes(),
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes derivedKey
	return memguard.NewBufferFromBytes(derivedKey), nil
}

// DeriveSubkey expands key into a subkey bound to salt and info with
// HKDF-SHA256. The caller must Destroy the returned buffer.
func DeriveSubkey(key, salt, info []byte) (*memguard.LockedBuffer, error) {
	if len(key) < misc.UserKeySize {
		return nil, fmt.Errorf("input key too short: %d bytes", len(key))
	}

	subkey := make([]byte, misc.UserKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, info), subkey); err != nil {
		memguard.WipeBytes(subkey)
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return memguard.NewBufferFromBytes(subkey), nil
}

// EncryptValue seals value with ChaCha20-Poly1305 under key, binding aad.
// Output layout: nonce (12) | ciphertext+tag.
func EncryptValue(value, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, value, aad), nil
}

// DecryptValue opens data produced by EncryptValue with the same key and aad.
func DecryptValue(encryptedData, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, encryptedData[aead.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// IsWeakKey rejects keys that are short, constant or low in byte variety.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.UserKeySize {
		return true
	}

	unique := make(map[byte]struct{}, len(key))
	for _, b := range key {
		unique[b] = struct{}{}
	}

	// a random 32-byte key has ~30 distinct values; 16 is far in the tail
	return len(unique) < 16
}
