package keepsafe

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// SecretBuffer holds a plaintext secret sealed in a memguard enclave. The
// plaintext is encrypted while at rest in process memory and is only
// decrypted into a guarded, locked buffer for the duration of a reveal.
// A SecretBuffer has no mutators and no serialised form.
type SecretBuffer struct {
	enclave *memguard.Enclave
	size    int
}

// Size returns the length in bytes of the sealed plaintext.
func (s *SecretBuffer) Size() int {
	if s == nil {
		return 0
	}
	return s.size
}

// SecretService converts between plaintext and SecretBuffer.
type SecretService interface {
	// Wrap seals plaintext into a new SecretBuffer.
	Wrap(plaintext string) Result[*SecretBuffer]

	// WrapBytes seals plaintext into a new SecretBuffer and wipes the source
	// slice. A nil slice fails with NullInput.
	WrapBytes(plaintext []byte) Result[*SecretBuffer]

	// Reveal returns a copy of the plaintext as a string. The staging buffer
	// is destroyed before Reveal returns, on every path.
	Reveal(secret *SecretBuffer) Result[string]

	// RevealBytes opens secret and passes the plaintext to fn. The bytes are
	// only valid inside fn; they are wiped when fn returns or panics.
	RevealBytes(secret *SecretBuffer, fn func(plaintext []byte) error) error
}

type enclaveSecretService struct{}

// NewSecretService returns the memguard-backed SecretService.
func NewSecretService() SecretService {
	return enclaveSecretService{}
}

func (enclaveSecretService) Wrap(plaintext string) Result[*SecretBuffer] {
	// []byte(plaintext) is a private copy, so WrapBytes may wipe it.
	return seal("wrap", []byte(plaintext))
}

func (enclaveSecretService) WrapBytes(plaintext []byte) Result[*SecretBuffer] {
	if plaintext == nil {
		return Fail[*SecretBuffer](newError(NullInput, "wrap", nil))
	}
	return seal("wrap", plaintext)
}

func seal(op string, plaintext []byte) (result Result[*SecretBuffer]) {
	defer func() {
		if r := recover(); r != nil {
			memguard.WipeBytes(plaintext)
			result = Fail[*SecretBuffer](newError(PropagatedFailure, op, fmt.Errorf("failed to seal secret: %v", r)))
		}
	}()

	size := len(plaintext)
	// NewEnclave wipes plaintext and returns nil for an empty input; a nil
	// enclave stands for the empty secret.
	enclave := memguard.NewEnclave(plaintext)
	return Succeed(&SecretBuffer{enclave: enclave, size: size})
}

func (s enclaveSecretService) Reveal(secret *SecretBuffer) Result[string] {
	var text string
	err := s.reveal("reveal", secret, func(plaintext []byte) error {
		text = string(plaintext)
		return nil
	})
	if err != nil {
		return Fail[string](err)
	}
	return Succeed(text)
}

func (s enclaveSecretService) RevealBytes(secret *SecretBuffer, fn func(plaintext []byte) error) error {
	if fn == nil {
		return newError(NullInput, "reveal", fmt.Errorf("nil reveal callback"))
	}
	return s.reveal("reveal", secret, fn)
}

func (enclaveSecretService) reveal(op string, secret *SecretBuffer, fn func([]byte) error) (err error) {
	if secret == nil {
		return newError(NullInput, op, nil)
	}
	if secret.enclave == nil {
		return callScoped(op, []byte{}, fn)
	}

	buf, openErr := secret.enclave.Open()
	if openErr != nil {
		return newError(PropagatedFailure, op, fmt.Errorf("failed to open secret enclave: %w", openErr))
	}
	defer func() {
		if releaseErr := release(buf); releaseErr != nil && err == nil {
			err = newError(PropagatedFailure, op, releaseErr)
		}
	}()

	return callScoped(op, buf.Bytes(), fn)
}

// callScoped runs fn and turns a panic inside it into an error, so the
// deferred release in reveal always runs before control leaves the package.
func callScoped(op string, plaintext []byte, fn func([]byte) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(PropagatedFailure, op, fmt.Errorf("panic while secret was revealed: %v", r))
		}
	}()
	return fn(plaintext)
}

func release(buf *memguard.LockedBuffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to release revealed secret: %v", r)
		}
	}()
	buf.Destroy()
	return nil
}
