package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")

	logger, err := NewFileLogger(&Config{
		Enabled: true,
		ScopeID: "user-1000",
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionKeyCreate, true, map[string]interface{}{
		"key_id":  "k-1",
		"user_id": "1000",
		"kdf":     "argon2id",
	}))
	require.NoError(t, logger.Log(ActionUnprotect, false, map[string]interface{}{
		"error": "authentication failed",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, 2, result.TotalCount)

	byAction := map[string]Event{}
	for _, e := range result.Events {
		byAction[e.Action] = e
	}

	created := byAction[ActionKeyCreate]
	assert.Equal(t, "user-1000", created.ScopeID)
	assert.Equal(t, "k-1", created.KeyID)
	assert.Equal(t, "1000", created.UserID)
	assert.Equal(t, map[string]interface{}{"kdf": "argon2id"}, created.Metadata)
	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err, "event IDs are UUIDs")

	failed := byAction[ActionUnprotect]
	assert.False(t, failed.Success)
	assert.Equal(t, "authentication failed", failed.Error)
	assert.Nil(t, failed.Metadata)
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ActionProtect, true, nil))
	}
	require.NoError(t, logger.Log(ActionUnprotect, false, nil))
	require.NoError(t, logger.Log(ActionKeyUnlock, true, map[string]interface{}{"key_id": "k-2"}))

	failure := false
	tests := []struct {
		name     string
		options  QueryOptions
		expected int
	}{
		{"All", QueryOptions{}, 7},
		{"Action", QueryOptions{Action: ActionProtect}, 5},
		{"Failures", QueryOptions{Success: &failure}, 1},
		{"KeyID", QueryOptions{KeyID: "k-2"}, 1},
		{"KeyAccess", QueryOptions{KeyAccess: true}, 1},
		{"OtherScope", QueryOptions{ScopeID: "user-2000"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := logger.Query(tt.options)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Filtered)
			assert.Len(t, result.Events, tt.expected)
		})
	}
}

func TestFileLoggerQueryPagination(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.Log(ActionProtect, true, nil))
	}

	page, err := logger.Query(QueryOptions{Limit: 4, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
	assert.True(t, page.HasMore)
	assert.Equal(t, 10, page.Filtered)

	last, err := logger.Query(QueryOptions{Limit: 4, Offset: 8})
	require.NoError(t, err)
	assert.Len(t, last.Events, 2)
	assert.False(t, last.HasMore)

	for i := 1; i < len(page.Events); i++ {
		assert.False(t, page.Events[i].Timestamp.After(page.Events[i-1].Timestamp), "newest first")
	}

	beyond, err := logger.Query(QueryOptions{Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, beyond.Events)
}

func TestFileLoggerQueryUsesCacheForRecentRange(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionKeyUnlock, true, nil))
	time.Sleep(5 * time.Millisecond)
	since := time.Now().UTC()
	require.NoError(t, logger.Log(ActionProtect, true, nil))

	// truncating the file proves the answer comes from memory
	require.NoError(t, os.Truncate(path, 0))

	result, err := logger.Query(QueryOptions{Since: &since})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, ActionProtect, result.Events[0].Action)

	fromFile, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, fromFile.Events)
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionProtect, true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log(ActionUnprotect, true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestFileLoggerSkipsMalformedLines(t *testing.T) {
	logger, path := newTestFileLogger(t)
	require.NoError(t, logger.Log(ActionProtect, true, nil))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
	assert.Equal(t, 2, result.TotalCount)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "database"})
	assert.EqualError(t, err, "unknown audit provider: database")

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err, "file logger requires file_path")
}

func TestNewEventPromotesMetadata(t *testing.T) {
	event := newEvent("s", "A", true, map[string]interface{}{
		"session_id":  "sess",
		"command":     "protect",
		"duration_ms": int64(42),
		"source":      "host",
		"extra":       1,
	})

	assert.Equal(t, "sess", event.SessionID)
	assert.Equal(t, "protect", event.Command)
	assert.Equal(t, int64(42), event.Duration)
	assert.Equal(t, "host", event.Source)
	assert.Equal(t, map[string]interface{}{"extra": 1}, event.Metadata)
}

func TestIsKeyAction(t *testing.T) {
	assert.True(t, IsKeyAction(ActionKeyExport))
	assert.True(t, IsKeyAction("key_import"))
	assert.False(t, IsKeyAction(ActionProtect))
}
