package keepsafe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretService(t *testing.T) {
	secrets := NewSecretService()

	secret, err := secrets.Wrap("hunter2").Get()
	require.NoError(t, err)
	assert.Equal(t, 7, secret.Size())

	text, err := secrets.Reveal(secret).Get()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", text)

	// a secret can be revealed more than once
	text, err = secrets.Reveal(secret).Get()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", text)
}

func TestWrapBytesWipesSource(t *testing.T) {
	secrets := NewSecretService()
	source := []byte("wipe me")

	secret, err := secrets.WrapBytes(source).Get()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(source)), source)

	err = secrets.RevealBytes(secret, func(plaintext []byte) error {
		assert.Equal(t, []byte("wipe me"), plaintext)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, NullInput, secrets.WrapBytes(nil).Kind())
}

func TestEmptySecret(t *testing.T) {
	secrets := NewSecretService()

	secret, err := secrets.Wrap("").Get()
	require.NoError(t, err)
	assert.Zero(t, secret.Size())

	text, err := secrets.Reveal(secret).Get()
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestRevealBytes(t *testing.T) {
	secrets := NewSecretService()
	secret, err := secrets.Wrap("scoped").Get()
	require.NoError(t, err)

	t.Run("CallbackError", func(t *testing.T) {
		want := errors.New("consumer failed")
		err := secrets.RevealBytes(secret, func([]byte) error { return want })
		assert.ErrorIs(t, err, want)
	})

	t.Run("CallbackPanic", func(t *testing.T) {
		var err error
		assert.NotPanics(t, func() {
			err = secrets.RevealBytes(secret, func([]byte) error { panic("consumer panic") })
		})
		assert.Equal(t, PropagatedFailure, KindOf(err))

		// the secret is intact after a panicking reveal
		text, err := secrets.Reveal(secret).Get()
		require.NoError(t, err)
		assert.Equal(t, "scoped", text)
	})

	t.Run("NilArguments", func(t *testing.T) {
		assert.Equal(t, NullInput, KindOf(secrets.RevealBytes(nil, func([]byte) error { return nil })))
		assert.Equal(t, NullInput, KindOf(secrets.RevealBytes(secret, nil)))
		assert.Equal(t, NullInput, secrets.Reveal(nil).Kind())
	})
}
