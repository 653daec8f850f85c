package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeID(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadKey(t *testing.T) {
	t.Run("SystemdFormat", func(t *testing.T) {
		path := writeID(t, "0123456789abcdef0123456789abcdef\n")

		key, err := NewReader(path).ReadKey()
		require.NoError(t, err)
		assert.True(t, key.Valid())

		expected := uuid.MustParse("0123456789abcdef0123456789abcdef")
		assert.Equal(t, expected[:], key.Bytes())
	})

	t.Run("HyphenatedFormat", func(t *testing.T) {
		path := writeID(t, "01234567-89ab-cdef-0123-456789abcdef")

		key, err := NewReader(path).ReadKey()
		require.NoError(t, err)
		assert.Len(t, key.Bytes(), 16)
	})

	t.Run("FallsThroughMissingPaths", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent")
		path := writeID(t, "0123456789abcdef0123456789abcdef")

		key, err := NewReader(missing, path).ReadKey()
		require.NoError(t, err)
		assert.True(t, key.Valid())
	})

	t.Run("NoneFound", func(t *testing.T) {
		_, err := NewReader(filepath.Join(t.TempDir(), "absent")).ReadKey()
		assert.ErrorIs(t, err, ErrNoMachineID)
	})

	t.Run("Malformed", func(t *testing.T) {
		path := writeID(t, "not-a-machine-id")

		_, err := NewReader(path).ReadKey()
		assert.Error(t, err)
	})
}

func TestKey(t *testing.T) {
	assert.False(t, Key{}.Valid())
	assert.False(t, NewKey([]byte{}).Valid())
	assert.True(t, Key{}.Equal(NewKey(nil)))

	src := []byte{1, 2, 3}
	key := NewKey(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, key.Bytes(), "NewKey must copy its input")

	assert.True(t, key.Equal(NewKey([]byte{1, 2, 3})))
	assert.False(t, key.Equal(NewKey([]byte{1, 2, 4})))
	assert.False(t, key.Equal(NewKey([]byte{1, 2})))
}

func TestNewReaderDefaults(t *testing.T) {
	assert.Equal(t, DefaultPaths, NewReader().Paths)
}
