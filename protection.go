package keepsafe

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// Protector is a user-scoped protection primitive. Protect output can only be
// reversed by Unprotect running as the same user with the same entropy.
// See package scope for the implementation used by the CLI.
type Protector interface {
	Protect(plaintext, entropy []byte) ([]byte, error)
	Unprotect(ciphertext, entropy []byte) ([]byte, error)
}

// ProtectionService protects and unprotects bytes, text and secret buffers
// under a caller-supplied Salt. No method panics; every failure is returned
// through the Result.
type ProtectionService interface {
	ProtectBytes(data []byte, salt *Salt) Result[[]byte]
	ProtectText(text string, salt *Salt) Result[[]byte]
	ProtectSecret(secret *SecretBuffer, salt *Salt) Result[[]byte]

	UnprotectBytes(payload []byte, salt *Salt) Result[[]byte]
	UnprotectText(payload []byte, salt *Salt) Result[string]
	UnprotectSecret(payload []byte, salt *Salt) Result[*SecretBuffer]
}

// Service is the default ProtectionService. It holds no mutable state and is
// safe for concurrent use as long as its Protector is.
type Service struct {
	protector Protector
	secrets   SecretService
}

// Ensure Service implements ProtectionService
var _ ProtectionService = (*Service)(nil)

// NewProtectionService returns a Service delegating to protector, and to
// secrets for the secret buffer variants.
func NewProtectionService(protector Protector, secrets SecretService) (*Service, error) {
	if protector == nil {
		return nil, errors.New("protector is required")
	}
	if secrets == nil {
		return nil, errors.New("secret service is required")
	}
	return &Service{protector: protector, secrets: secrets}, nil
}

const (
	opProtectBytes    = "protect_bytes"
	opProtectText     = "protect_text"
	opProtectSecret   = "protect_secret"
	opUnprotectBytes  = "unprotect_bytes"
	opUnprotectText   = "unprotect_text"
	opUnprotectSecret = "unprotect_secret"
)

// ProtectBytes protects data with salt as entropy. An empty, non-nil data
// slice is a valid plaintext.
func (s *Service) ProtectBytes(data []byte, salt *Salt) Result[[]byte] {
	if data == nil {
		return Fail[[]byte](newError(NullInput, opProtectBytes, nil))
	}
	if !salt.Valid() {
		return Fail[[]byte](newError(InvalidSalt, opProtectBytes, nil))
	}
	return s.protect(opProtectBytes, data, salt)
}

// ProtectText protects the UTF-16LE encoding of text.
func (s *Service) ProtectText(text string, salt *Salt) Result[[]byte] {
	if !salt.Valid() {
		return Fail[[]byte](newError(InvalidSalt, opProtectText, nil))
	}
	raw := []byte(text)
	encoded, err := encodeUTF16(raw)
	memguard.WipeBytes(raw)
	if err != nil {
		return Fail[[]byte](newError(PropagatedFailure, opProtectText, err))
	}
	defer memguard.WipeBytes(encoded)

	return s.protect(opProtectText, encoded, salt)
}

// ProtectSecret reveals secret only for as long as it takes to encode and
// protect it. A reveal failure is returned unchanged.
func (s *Service) ProtectSecret(secret *SecretBuffer, salt *Salt) Result[[]byte] {
	if secret == nil {
		return Fail[[]byte](newError(NullInput, opProtectSecret, nil))
	}
	if !salt.Valid() {
		return Fail[[]byte](newError(InvalidSalt, opProtectSecret, nil))
	}

	var result Result[[]byte]
	err := s.secrets.RevealBytes(secret, func(plaintext []byte) error {
		encoded, err := encodeUTF16(plaintext)
		if err != nil {
			result = Fail[[]byte](newError(PropagatedFailure, opProtectSecret, err))
			return nil
		}
		defer memguard.WipeBytes(encoded)

		result = s.protect(opProtectSecret, encoded, salt)
		return nil
	})
	if err != nil {
		return Fail[[]byte](err)
	}
	return result
}

// UnprotectBytes reverses ProtectBytes. Nil and empty payloads fail with
// NullInput and EmptyInput respectively.
func (s *Service) UnprotectBytes(payload []byte, salt *Salt) Result[[]byte] {
	if err := validatePayload(opUnprotectBytes, payload, salt); err != nil {
		return Fail[[]byte](err)
	}
	return s.unprotect(opUnprotectBytes, payload, salt)
}

// UnprotectText reverses ProtectText.
func (s *Service) UnprotectText(payload []byte, salt *Salt) Result[string] {
	if err := validatePayload(opUnprotectText, payload, salt); err != nil {
		return Fail[string](err)
	}

	plain, err := s.unprotect(opUnprotectText, payload, salt).Get()
	if err != nil {
		return Fail[string](err)
	}
	defer memguard.WipeBytes(plain)

	raw, err := decodeUTF16(plain)
	if err != nil {
		return Fail[string](newError(ProtectionFailure, opUnprotectText, err))
	}
	text := string(raw)
	memguard.WipeBytes(raw)

	return Succeed(text)
}

// UnprotectSecret reverses ProtectSecret and seals the recovered plaintext in
// a new SecretBuffer. Intermediate plaintext copies are wiped on every path.
func (s *Service) UnprotectSecret(payload []byte, salt *Salt) Result[*SecretBuffer] {
	if err := validatePayload(opUnprotectSecret, payload, salt); err != nil {
		return Fail[*SecretBuffer](err)
	}

	plain, err := s.unprotect(opUnprotectSecret, payload, salt).Get()
	if err != nil {
		return Fail[*SecretBuffer](err)
	}
	defer memguard.WipeBytes(plain)

	raw, err := decodeUTF16(plain)
	if err != nil {
		return Fail[*SecretBuffer](newError(ProtectionFailure, opUnprotectSecret, err))
	}
	// WrapBytes wipes raw on success; the deferred wipe covers failures.
	defer memguard.WipeBytes(raw)

	return s.secrets.WrapBytes(raw)
}

func validatePayload(op string, payload []byte, salt *Salt) error {
	if payload == nil {
		return newError(NullInput, op, nil)
	}
	if len(payload) == 0 {
		return newError(EmptyInput, op, nil)
	}
	if !salt.Valid() {
		return newError(InvalidSalt, op, nil)
	}
	return nil
}

func (s *Service) protect(op string, plaintext []byte, salt *Salt) (result Result[[]byte]) {
	entropy := salt.Bytes()
	defer memguard.WipeBytes(entropy)
	defer recoverPrimitive(op, &result)

	out, err := s.protector.Protect(plaintext, entropy)
	if err != nil {
		return Fail[[]byte](newError(ProtectionFailure, op, err))
	}
	return Succeed(out)
}

func (s *Service) unprotect(op string, payload []byte, salt *Salt) (result Result[[]byte]) {
	entropy := salt.Bytes()
	defer memguard.WipeBytes(entropy)
	defer recoverPrimitive(op, &result)

	out, err := s.protector.Unprotect(payload, entropy)
	if err != nil {
		return Fail[[]byte](newError(ProtectionFailure, op, err))
	}
	return Succeed(out)
}

func recoverPrimitive(op string, result *Result[[]byte]) {
	if r := recover(); r != nil {
		*result = Fail[[]byte](newError(ProtectionFailure, op, fmt.Errorf("protection primitive panicked: %v", r)))
	}
}
