package keepsafe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/keepsafe"
	"southwinds.dev/keepsafe/persist"
	"southwinds.dev/keepsafe/scope"
)

func newUserService(t *testing.T, basePath, uid string) *keepsafe.Service {
	t.Helper()

	options := scope.Options{Passphrase: "integration-passphrase", UserID: uid}
	identity, err := scope.ResolveIdentity(options)
	require.NoError(t, err)

	store, err := persist.NewFileSystemStore(basePath, identity.ScopeID())
	require.NoError(t, err)

	protector, err := scope.New(options, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = protector.Close() })

	svc, err := keepsafe.NewProtectionService(protector, keepsafe.NewSecretService())
	require.NoError(t, err)
	return svc
}

func TestUserScopedProtection(t *testing.T) {
	base := t.TempDir()
	svc := newUserService(t, base, "1000")
	salt := keepsafe.SaltFromString("Salt is not a password")

	payload, err := svc.ProtectText("Hello world", salt).Get()
	require.NoError(t, err)

	text, err := svc.UnprotectText(payload, salt).Get()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	t.Run("WrongSalt", func(t *testing.T) {
		res := svc.UnprotectText(payload, keepsafe.SaltFromString("wrong"))
		assert.Equal(t, keepsafe.ProtectionFailure, res.Kind())
	})

	t.Run("OtherUser", func(t *testing.T) {
		other := newUserService(t, base, "2000")
		res := other.UnprotectText(payload, salt)
		assert.Equal(t, keepsafe.ProtectionFailure, res.Kind())
		assert.ErrorIs(t, res.Err(), scope.ErrWrongKey)
	})

	t.Run("Secret", func(t *testing.T) {
		secrets := keepsafe.NewSecretService()
		secret, err := secrets.Wrap("top secret").Get()
		require.NoError(t, err)

		payload, err := svc.ProtectSecret(secret, salt).Get()
		require.NoError(t, err)

		recovered, err := svc.UnprotectSecret(payload, salt).Get()
		require.NoError(t, err)

		text, err := secrets.Reveal(recovered).Get()
		require.NoError(t, err)
		assert.Equal(t, "top secret", text)
	})
}
