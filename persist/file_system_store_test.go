package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := t.TempDir()

	store, err := NewFileSystemStore(baseDir, testScope)
	require.NoError(t, err)

	testStoreImplementation(t, store, func(scopeID string) (Store, error) {
		return NewFileSystemStore(baseDir, scopeID)
	})
}

func TestFileSystemStoreLayout(t *testing.T) {
	baseDir := t.TempDir()

	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": baseDir},
	}, testScope)
	require.NoError(t, err)

	_, err = store.SaveKey([]byte("record"), "")
	require.NoError(t, err)
	_, err = store.SaveSalt([]byte("salt"), "")
	require.NoError(t, err)

	for _, name := range []string{scopeConfigName, keyObjectName, saltObjectName, saltObjectName + ".meta"} {
		info, err := os.Stat(filepath.Join(baseDir, testScope, name))
		require.NoError(t, err, name)
		assert.Equal(t, FilePermissions, info.Mode().Perm(), name)
	}

	dirInfo, err := os.Stat(filepath.Join(baseDir, testScope))
	require.NoError(t, err)
	assert.Equal(t, DirPermissions, dirInfo.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(baseDir, testScope))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestFileSystemStoreConfigErrors(t *testing.T) {
	_, err := NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}}, testScope)
	assert.Error(t, err)

	_, err = NewFileSystemStore("", testScope)
	assert.Error(t, err)

	_, err = NewFileSystemStore(t.TempDir(), "bad/scope")
	assert.Error(t, err)
}

func TestFileSystemStoreCloseUpdatesLastAccess(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewFileSystemStore(baseDir, testScope)
	require.NoError(t, err)

	configPath := filepath.Join(baseDir, testScope, scopeConfigName)
	require.NoError(t, store.Close())

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var config ScopeConfig
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Equal(t, testScope, config.ScopeID)
	assert.False(t, config.LastAccess.Before(config.CreatedAt))
}
