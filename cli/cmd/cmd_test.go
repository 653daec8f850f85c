package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/keepsafe"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/internal/mem"
	"southwinds.dev/keepsafe/persist"
	"southwinds.dev/keepsafe/scope"
)

func TestFormatError(t *testing.T) {
	assert.Empty(t, formatError(nil))
	assert.Equal(t, "Error: Boom", formatError(errors.New("boom")))

	kindErr := fmt.Errorf("wrap: %w", keepsafe.ErrInvalidSalt)
	assert.Equal(t, "Error [invalid salt]: Wrap: invalid salt", formatError(kindErr))
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, isSensitiveConfigKey("keepsafe.passphrase"))
	assert.True(t, isSensitiveConfigKey("keepsafe.s3.secret_access_key"))
	assert.True(t, isSensitiveConfigKey("keepsafe.s3.access_key_id"))
	assert.False(t, isSensitiveConfigKey("keepsafe.passphrase_env"))
	assert.False(t, isSensitiveConfigKey("keepsafe.machine_key"))

	assert.True(t, isSensitiveFlag("salt-base64"))
	assert.True(t, isSensitiveFlag("export-passphrase"))
	assert.False(t, isSensitiveFlag("mode"))
}

func TestConfigHelpers(t *testing.T) {
	v, err := convertStringValue("true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, _ = convertStringValue("42")
	assert.Equal(t, 42, v)

	v, _ = convertStringValue("s3")
	assert.Equal(t, "s3", v)

	config := map[string]interface{}{
		"keepsafe": map[string]interface{}{"store_type": "s3", "path": "/tmp"},
	}
	require.NoError(t, unsetNestedKey(config, "keepsafe.store_type"))
	assert.NotContains(t, config["keepsafe"], "store_type")
	assert.Error(t, unsetNestedKey(config, "missing.key"))

	assert.True(t, isValidConfigKey("audit.options.file_path"))
	assert.False(t, isValidConfigKey("keepsafe.unknown"))

	full := getConfigTemplate("full")
	assert.Contains(t, full, "audit")
	assert.Contains(t, full["keepsafe"], "s3")
	assert.NotContains(t, getConfigTemplate("minimal"), "audit")
}

func TestPrintSettings(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("keepsafe.passphrase", "do-not-print-me")
	viper.Set("keepsafe.store_type", "file")

	for _, format := range []string{"table", "json", "yaml"} {
		var out bytes.Buffer
		require.NoError(t, printSettings(&out, format))
		assert.NotContains(t, out.String(), "do-not-print-me", format)
		assert.Contains(t, out.String(), "[REDACTED]", format)
		assert.Contains(t, out.String(), "store_type", format)
	}
	assert.Error(t, printSettings(&bytes.Buffer{}, "xml"))

	var out bytes.Buffer
	require.NoError(t, printKeyDescriptions(&out, "table", getConfigKeyDescriptions()))
	assert.Contains(t, out.String(), "keepsafe.machine_key_paths")
}

func TestValidateConfiguration(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("keepsafe.store_type", "s3")
	viper.Set("keepsafe.passphrase", "")
	viper.Set("audit.enabled", true)
	viper.Set("audit.type", "kafka")

	problems := strings.Join(validateConfiguration(), "\n")
	assert.Contains(t, problems, "S3 bucket is required")
	assert.Contains(t, problems, "S3 endpoint is required")
	assert.Contains(t, problems, "key material")
	assert.Contains(t, problems, "invalid audit type")
}

func TestReadSaltSources(t *testing.T) {
	t.Cleanup(func() { saltText, saltFile, saltBase64 = "", "", "" })

	saltText = "Salt is not a password"
	salt, err := readSalt()
	require.NoError(t, err)
	assert.True(t, salt.Equal(keepsafe.SaltFromString("Salt is not a password")))

	saltText = ""
	saltBase64 = "AQID"
	salt, err = readSalt()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, salt.Bytes())

	saltBase64 = ""
	saltFile = filepath.Join(t.TempDir(), "app.salt")
	require.NoError(t, os.WriteFile(saltFile, []byte{9, 8, 7}, 0600))
	salt, err = readSalt()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, salt.Bytes())

	saltFile = ""
	salt, err = readSalt()
	require.NoError(t, err)
	assert.False(t, salt.Valid())
}

func TestReadInput(t *testing.T) {
	t.Cleanup(func() { inputData, inputFile = "", "" })

	inputData = "inline"
	data, err := readInput(strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), data)

	inputData = ""
	inputFile = "-"
	data, err = readInput(strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from stdin"), data)

	assert.Error(t, validateMode("xml"))
	assert.NoError(t, validateMode(modeSecret))
}

// TestProtectCommands drives protect and unprotect end to end against a
// temporary filesystem store.
func TestProtectCommands(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		inputData, inputFile, saltText, protectMode = "", "", "", modeBytes
		_ = closeRuntime(nil, nil)
	})

	viper.Set("keepsafe.path", t.TempDir())
	viper.Set("keepsafe.store_type", "file")
	viper.Set("keepsafe.passphrase", "cli-test-passphrase")
	viper.Set("keepsafe.user", "1000")

	var err error
	identity, err = scope.ResolveIdentity(scope.Options{UserID: "1000"})
	require.NoError(t, err)
	auditLogger = audit.NewNoOpLogger()

	for _, mode := range []string{modeBytes, modeText, modeSecret} {
		t.Run(mode, func(t *testing.T) {
			protectMode = mode
			saltText = "Salt is not a password"
			appendNewline = true

			var out bytes.Buffer
			protectCmd.SetOut(&out)
			inputData = "Hello world"
			require.NoError(t, runProtect(protectCmd, nil))
			assert.True(t, strings.HasSuffix(out.String(), "\n"))

			var plain bytes.Buffer
			unprotectCmd.SetOut(&plain)
			inputData = out.String()
			require.NoError(t, runUnprotect(unprotectCmd, nil))
			assert.Equal(t, "Hello world", plain.String())

			saltText = "a different salt"
			err := runUnprotect(unprotectCmd, nil)
			assert.Equal(t, keepsafe.ProtectionFailure, keepsafe.KindOf(err))
		})
	}
}

func TestStoreCommands(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		storeDeleteConfirm = false
		auditLogger = nil
	})

	base := t.TempDir()
	viper.Set("keepsafe.path", base)
	viper.Set("keepsafe.store_type", "file")
	identity = scope.Identity{UID: "1000", Username: "1000"}
	auditLogger = audit.NewNoOpLogger()

	other, err := persist.NewFileSystemStore(base, "user-1001")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	var out bytes.Buffer
	storeListCmd.SetOut(&out)
	require.NoError(t, runStoreList(storeListCmd, nil))
	assert.Contains(t, out.String(), "* user-1000")
	assert.Contains(t, out.String(), "  user-1001")

	viper.Set("keepsafe.user", "1000")
	candidates, directive := completeScopes(storeDeleteCmd, nil, "")
	assert.Equal(t, []string{"user-1001"}, candidates)
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)

	assert.Error(t, runStoreDelete(storeDeleteCmd, []string{"user-1001"}))

	storeDeleteConfirm = true
	storeDeleteCmd.SetOut(&out)
	require.NoError(t, runStoreDelete(storeDeleteCmd, []string{"user-1001"}))
	assert.Error(t, runStoreDelete(storeDeleteCmd, []string{"user-1000"}))
	assert.Error(t, runStoreDelete(storeDeleteCmd, []string{"."}))
	_, err = os.Stat(filepath.Join(base, "user-1000"))
	assert.NoError(t, err)

	out.Reset()
	require.NoError(t, runStoreList(storeListCmd, nil))
	assert.NotContains(t, out.String(), "user-1001")
}

func TestGenerateCompletion(t *testing.T) {
	registerFlagCompletions()

	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		var out bytes.Buffer
		completionCmd.SetOut(&out)
		require.NoError(t, generateCompletion(completionCmd, []string{shell}))
		assert.Contains(t, out.String(), "keepsafe", shell)
	}
}

func TestSummarizeEvents(t *testing.T) {
	now := time.Now()
	events := []audit.Event{
		{Action: audit.ActionKeyCreate, Success: true, Timestamp: now.Add(-3 * time.Minute)},
		{Action: audit.ActionProtect, Success: true, Timestamp: now.Add(-2 * time.Minute)},
		{Action: audit.ActionUnprotect, Success: false, Timestamp: now.Add(-time.Minute)},
		{Action: audit.ActionUnprotect, Success: true, Timestamp: now},
	}

	summary := summarizeEvents("user-1000", events)
	assert.Equal(t, 4, summary.TotalEvents)
	assert.Equal(t, 3, summary.SuccessfulEvents)
	assert.Equal(t, 1, summary.FailedEvents)
	assert.Equal(t, 1, summary.KeyOperations)
	assert.Equal(t, 1, summary.Protections)
	assert.Equal(t, 2, summary.Unprotections)
	assert.InDelta(t, 75.0, summary.SuccessRate, 0.001)
	assert.True(t, summary.FirstEvent.Equal(events[0].Timestamp))
	assert.True(t, summary.LastEvent.Equal(now))
	assert.Equal(t, []ActionCount{{Action: audit.ActionUnprotect, Count: 1}}, summary.TopFailedActions)

	top := getTopActions(summary.ActionBreakdown, 1)
	assert.Equal(t, []ActionCount{{Action: audit.ActionUnprotect, Count: 2}}, top)
}

// writeTestConfig writes a config file for a file store under dir with
// file auditing enabled.
func writeTestConfig(t *testing.T, dir, passphrase string) string {
	t.Helper()
	config := fmt.Sprintf(`keepsafe:
  path: %s
  store_type: file
  passphrase: %s
  user: "1000"
audit:
  enabled: true
  type: file
  options:
    file_path: %s
`, filepath.Join(dir, "store"), passphrase, filepath.Join(dir, "audit.log"))

	path := filepath.Join(dir, "keepsafe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0600))
	return path
}

// executeCommand runs the root command as the binary would, with flag
// variables reset first since cobra keeps them between executions.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	saltSize, saltOutput = 32, ""
	keyFormat, keyExportFile, keyExportPassphrase = "text", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	// cobra skips the post-run hook when a command fails
	require.NoError(t, closeRuntime(rootCmd, nil))
	return out.String(), err
}

func TestKeyAndSaltCommands(t *testing.T) {
	viper.Reset()
	previousLock := lockMemory
	lockMemory = func() (mem.ProtectionLevel, error) { return mem.ProtectionPartial, nil }
	t.Cleanup(func() {
		lockMemory = previousLock
		cfgFile = ""
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		viper.Reset()
	})

	dir := t.TempDir()
	config := writeTestConfig(t, dir, "cli-test-passphrase")

	t.Run("SaltGenerate", func(t *testing.T) {
		out, err := executeCommand(t, "--config", config, "salt", "generate")
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
		require.NoError(t, err)
		assert.Len(t, raw, 32)

		saltPath := filepath.Join(dir, "app.salt")
		_, err = executeCommand(t, "--config", config, "salt", "generate", "--size", "16", "--output", saltPath)
		require.NoError(t, err)
		raw, err = os.ReadFile(saltPath)
		require.NoError(t, err)
		assert.Len(t, raw, 16)
	})

	var keyID string
	t.Run("KeyInit", func(t *testing.T) {
		out, err := executeCommand(t, "--config", config, "key", "init")
		require.NoError(t, err)
		assert.Contains(t, out, "Created user key")

		out, err = executeCommand(t, "--config", config, "key", "init")
		require.NoError(t, err)
		assert.Contains(t, out, "already exists")
	})

	t.Run("KeyStatus", func(t *testing.T) {
		out, err := executeCommand(t, "--config", config, "key", "status", "--format", "json")
		require.NoError(t, err)

		var status scope.Status
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, "1000", status.UID)
		assert.Equal(t, "user-1000", status.ScopeID)
		assert.NotEmpty(t, status.RecordChecksum)
		keyID = status.KeyID
		require.NotEmpty(t, keyID)

		out, err = executeCommand(t, "--config", config, "key", "status")
		require.NoError(t, err)
		assert.Contains(t, out, keyID)

		_, err = executeCommand(t, "--config", config, "key", "status", "--format", "xml")
		assert.Error(t, err)
	})

	t.Run("Status", func(t *testing.T) {
		out, err := executeCommand(t, "--config", config, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "User Key: "+keyID)
		assert.Contains(t, out, "Audit: file")
	})

	t.Run("ExportImport", func(t *testing.T) {
		exportPath := filepath.Join(dir, "user.key.export")
		_, err := executeCommand(t, "--config", config, "key", "export", "--export-passphrase", "short")
		assert.Error(t, err)

		_, err = executeCommand(t, "--config", config, "key", "export",
			"--export-passphrase", "long transfer phrase", "--output", exportPath)
		require.NoError(t, err)

		otherDir := t.TempDir()
		otherConfig := writeTestConfig(t, otherDir, "another-cli-passphrase")

		_, err = executeCommand(t, "--config", otherConfig, "key", "import",
			"--export-passphrase", "wrong transfer phrase", "--file", exportPath)
		assert.Error(t, err)

		out, err := executeCommand(t, "--config", otherConfig, "key", "import",
			"--export-passphrase", "long transfer phrase", "--file", exportPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Imported user key "+keyID)

		out, err = executeCommand(t, "--config", otherConfig, "key", "status", "--format", "json")
		require.NoError(t, err)
		var status scope.Status
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, keyID, status.KeyID)
	})

	t.Run("AuditTrail", func(t *testing.T) {
		trail, err := os.ReadFile(filepath.Join(dir, "audit.log"))
		require.NoError(t, err)
		for _, action := range []string{audit.ActionKeyCreate, audit.ActionKeyExport, audit.ActionCommandStart, audit.ActionCommandEnd} {
			assert.Contains(t, string(trail), action)
		}
		assert.NotContains(t, string(trail), "long transfer phrase")
	})
}
