package keepsafe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// xorProtector is a reversible stand-in for the user-scoped primitive. It
// prefixes a checksum of the entropy so that a wrong salt is detected.
type xorProtector struct {
	panics bool
	fail   error
}

func (x xorProtector) Protect(plaintext, entropy []byte) ([]byte, error) {
	if x.panics {
		panic("primitive fault")
	}
	if x.fail != nil {
		return nil, x.fail
	}
	out := []byte{checksum(entropy)}
	for i, b := range plaintext {
		out = append(out, b^entropy[i%len(entropy)])
	}
	return out, nil
}

func (x xorProtector) Unprotect(ciphertext, entropy []byte) ([]byte, error) {
	if x.panics {
		panic("primitive fault")
	}
	if x.fail != nil {
		return nil, x.fail
	}
	if len(ciphertext) == 0 || ciphertext[0] != checksum(entropy) {
		return nil, errors.New("entropy mismatch")
	}
	out := make([]byte, 0, len(ciphertext)-1)
	for i, b := range ciphertext[1:] {
		out = append(out, b^entropy[i%len(entropy)])
	}
	return out, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum = sum*31 + c
	}
	return sum
}

// failingSecrets reports a propagated failure from every method.
type failingSecrets struct{ SecretService }

var errSecretStore = errors.New("secret store unavailable")

func (failingSecrets) WrapBytes([]byte) Result[*SecretBuffer] {
	return Fail[*SecretBuffer](newError(PropagatedFailure, "wrap", errSecretStore))
}

func (failingSecrets) RevealBytes(*SecretBuffer, func([]byte) error) error {
	return newError(PropagatedFailure, "reveal", errSecretStore)
}

func newTestService(t *testing.T, p Protector) *Service {
	t.Helper()
	svc, err := NewProtectionService(p, NewSecretService())
	require.NoError(t, err)
	return svc
}

func TestNewProtectionService(t *testing.T) {
	_, err := NewProtectionService(nil, NewSecretService())
	assert.Error(t, err)

	_, err = NewProtectionService(xorProtector{}, nil)
	assert.Error(t, err)
}

func TestProtectBytesRoundTrip(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	salt := SaltFromString("Salt is not a password")

	payload, err := svc.ProtectBytes([]byte("Hello world"), salt).Get()
	require.NoError(t, err)
	assert.NotEqual(t, []byte("Hello world"), payload)

	plain, err := svc.UnprotectBytes(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world"), plain)

	t.Run("EmptyData", func(t *testing.T) {
		payload, err := svc.ProtectBytes([]byte{}, salt).Get()
		require.NoError(t, err)
		plain, err := svc.UnprotectBytes(payload, salt).Get()
		require.NoError(t, err)
		assert.Empty(t, plain)
	})

	t.Run("WrongSalt", func(t *testing.T) {
		res := svc.UnprotectBytes(payload, SaltFromString("another salt"))
		assert.False(t, res.Ok())
		assert.Equal(t, ProtectionFailure, res.Kind())
		assert.ErrorIs(t, res.Err(), ErrProtectionFailure)
	})
}

func TestProtectTextRoundTrip(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	salt := NewSalt([]byte{1, 2, 3, 4})

	for _, text := range []string{"top secret", "", "naïve ☃ 𝄞"} {
		payload, err := svc.ProtectText(text, salt).Get()
		require.NoError(t, err)

		got, err := svc.UnprotectText(payload, salt).Get()
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestProtectTextEncodesUTF16LE(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	salt := NewSalt([]byte{0})

	// xor with a zero salt leaves the plaintext visible after the checksum
	payload, err := svc.ProtectText("Hi", salt).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{'H', 0, 'i', 0}, payload[1:])

	bytesPlain, err := svc.UnprotectBytes(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{'H', 0, 'i', 0}, bytesPlain)
}

func TestProtectRejectsInvalidUTF8(t *testing.T) {
	secrets := NewSecretService()
	svc := newTestService(t, xorProtector{})
	salt := SaltFromString("salt")
	invalid := "ab\xffcd"

	res := svc.ProtectText(invalid, salt)
	require.False(t, res.Ok())
	assert.Equal(t, PropagatedFailure, res.Kind())
	assert.ErrorIs(t, res.Err(), errInvalidUTF8)

	secret, err := secrets.Wrap(invalid).Get()
	require.NoError(t, err)

	res = svc.ProtectSecret(secret, salt)
	require.False(t, res.Ok())
	assert.ErrorIs(t, res.Err(), errInvalidUTF8)

	// the bytes path keeps arbitrary binary data intact
	payload, err := svc.ProtectBytes([]byte(invalid), salt).Get()
	require.NoError(t, err)
	plain, err := svc.UnprotectBytes(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte(invalid), plain)
}

func TestUnprotectTextOddLength(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	salt := NewSalt([]byte{7})

	payload, err := svc.ProtectBytes([]byte{1, 2, 3}, salt).Get()
	require.NoError(t, err)

	res := svc.UnprotectText(payload, salt)
	assert.Equal(t, ProtectionFailure, res.Kind())
}

func TestProtectSecretRoundTrip(t *testing.T) {
	secrets := NewSecretService()
	svc := newTestService(t, xorProtector{})
	salt := SaltFromString("per-secret context")

	secret, err := secrets.Wrap("p@ssw0rd").Get()
	require.NoError(t, err)

	payload, err := svc.ProtectSecret(secret, salt).Get()
	require.NoError(t, err)

	// secrets and text share an encoding
	text, err := svc.UnprotectText(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", text)

	recovered, err := svc.UnprotectSecret(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, len("p@ssw0rd"), recovered.Size())

	revealed, err := secrets.Reveal(recovered).Get()
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", revealed)
}

func TestInputValidation(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	salt := SaltFromString("salt")
	secret, err := NewSecretService().Wrap("s").Get()
	require.NoError(t, err)

	tests := []struct {
		name string
		kind Kind
		run  func() error
	}{
		{"ProtectBytesNilData", NullInput, func() error { return svc.ProtectBytes(nil, salt).Err() }},
		{"ProtectBytesNilSalt", InvalidSalt, func() error { return svc.ProtectBytes([]byte("x"), nil).Err() }},
		{"ProtectBytesEmptySalt", InvalidSalt, func() error { return svc.ProtectBytes([]byte("x"), NewSalt(nil)).Err() }},
		{"ProtectTextEmptySalt", InvalidSalt, func() error { return svc.ProtectText("x", NewSalt([]byte{})).Err() }},
		{"ProtectSecretNil", NullInput, func() error { return svc.ProtectSecret(nil, salt).Err() }},
		{"ProtectSecretNilSalt", InvalidSalt, func() error { return svc.ProtectSecret(secret, nil).Err() }},
		{"UnprotectBytesNil", NullInput, func() error { return svc.UnprotectBytes(nil, salt).Err() }},
		{"UnprotectBytesEmpty", EmptyInput, func() error { return svc.UnprotectBytes([]byte{}, salt).Err() }},
		{"UnprotectBytesNilSalt", InvalidSalt, func() error { return svc.UnprotectBytes([]byte("x"), nil).Err() }},
		{"UnprotectTextNil", NullInput, func() error { return svc.UnprotectText(nil, salt).Err() }},
		{"UnprotectTextEmpty", EmptyInput, func() error { return svc.UnprotectText([]byte{}, salt).Err() }},
		{"UnprotectSecretNil", NullInput, func() error { return svc.UnprotectSecret(nil, salt).Err() }},
		{"UnprotectSecretEmpty", EmptyInput, func() error { return svc.UnprotectSecret([]byte{}, salt).Err() }},
		{"UnprotectSecretBadSalt", InvalidSalt, func() error { return svc.UnprotectSecret([]byte("x"), NewSalt(nil)).Err() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestPrimitiveFailures(t *testing.T) {
	salt := SaltFromString("salt")

	t.Run("Error", func(t *testing.T) {
		cause := errors.New("wrong user")
		svc := newTestService(t, xorProtector{fail: cause})

		res := svc.ProtectBytes([]byte("x"), salt)
		assert.Equal(t, ProtectionFailure, res.Kind())
		assert.ErrorIs(t, res.Err(), cause)

		res = svc.UnprotectBytes([]byte("x"), salt)
		assert.Equal(t, ProtectionFailure, res.Kind())
	})

	t.Run("Panic", func(t *testing.T) {
		svc := newTestService(t, xorProtector{panics: true})

		assert.NotPanics(t, func() {
			res := svc.ProtectText("x", salt)
			assert.Equal(t, ProtectionFailure, res.Kind())
			assert.Contains(t, res.Err().Error(), "primitive fault")
		})
		assert.NotPanics(t, func() {
			res := svc.UnprotectSecret([]byte("x"), salt)
			assert.Equal(t, ProtectionFailure, res.Kind())
		})
	})
}

func TestSecretServiceFailuresPropagate(t *testing.T) {
	svc, err := NewProtectionService(xorProtector{}, failingSecrets{})
	require.NoError(t, err)
	salt := SaltFromString("salt")

	res := svc.ProtectSecret(&SecretBuffer{}, salt)
	assert.Equal(t, PropagatedFailure, res.Kind())
	assert.ErrorIs(t, res.Err(), errSecretStore)

	payload, err := svc.ProtectText("hello", salt).Get()
	require.NoError(t, err)

	secret := svc.UnprotectSecret(payload, salt)
	assert.Equal(t, PropagatedFailure, secret.Kind())
	assert.ErrorIs(t, secret.Err(), errSecretStore)
}

func TestProtectDoesNotRetainInput(t *testing.T) {
	svc := newTestService(t, xorProtector{})
	data := []byte("caller owned")
	original := bytes.Clone(data)
	saltBytes := []byte("salt")
	salt := NewSalt(saltBytes)

	_, err := svc.ProtectBytes(data, salt).Get()
	require.NoError(t, err)

	assert.Equal(t, original, data, "ProtectBytes must not modify the caller's data")
	assert.Equal(t, []byte("salt"), salt.Bytes(), "the salt must survive the call")
	assert.Equal(t, []byte("salt"), saltBytes)
}
