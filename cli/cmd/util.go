package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/keepsafe/.keepsafe.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keepsafe.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func convertStringValue(value string) (interface{}, error) {
	if value == "true" || value == "false" {
		return value == "true", nil
	}

	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f, nil
		}
	} else if i, err := strconv.Atoi(value); err == nil {
		return i, nil
	}

	return value, nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	store := map[string]interface{}{
		"store_type": "file",
		"path":       defaultStorePath(),
	}
	auditSection := map[string]interface{}{
		"enabled": false,
		"type":    "file",
		"options": map[string]interface{}{
			"file_path": "audit.log",
		},
	}

	switch template {
	case "minimal":
		return map[string]interface{}{"keepsafe": store}
	case "full":
		store["passphrase_env"] = ""
		store["machine_key"] = false
		store["machine_key_paths"] = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
		store["s3"] = map[string]interface{}{
			"endpoint": "",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "keepsafe/",
			"use_ssl":  true,
		}
		auditSection["log_level"] = "info"
		auditSection["options"].(map[string]interface{})["cache_size"] = 1000
		return map[string]interface{}{"keepsafe": store, "audit": auditSection}
	default:
		return map[string]interface{}{"keepsafe": store, "audit": auditSection}
	}
}

func validateConfiguration() []string {
	var errors []string

	storeType := viper.GetString("keepsafe.store_type")
	validStoreTypes := []string{"file", "filesystem", "s3"}
	if !slices.Contains(validStoreTypes, storeType) {
		errors = append(errors, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	switch storeType {
	case "s3":
		if bucket := viper.GetString("keepsafe.s3.bucket"); bucket == "" {
			errors = append(errors, "S3 bucket is required when using S3 store")
		}
		if endpoint := viper.GetString("keepsafe.s3.endpoint"); endpoint == "" {
			errors = append(errors, "S3 endpoint is required when using S3 store")
		}
	default:
		if path := viper.GetString("keepsafe.path"); path == "" {
			errors = append(errors, "store path is required when using the file store")
		}
	}

	if err := protectorOptions().Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("key material: %v", err))
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !slices.Contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" {
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		}
	}

	return errors
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"keepsafe.store_type":           "Storage backend type (file, s3)",
		"keepsafe.path":                 "Path to the key store (file store)",
		"keepsafe.passphrase":           "Passphrase protecting the user key",
		"keepsafe.passphrase_env":       "Environment variable holding the passphrase",
		"keepsafe.machine_key":          "Derive the key-encryption key from the machine id",
		"keepsafe.machine_key_paths":    "Files read for the machine id",
		"keepsafe.user":                 "Override the OS user id the key is bound to",
		"keepsafe.s3.endpoint":          "S3 endpoint (host:port)",
		"keepsafe.s3.bucket":            "S3 bucket name",
		"keepsafe.s3.region":            "S3 region",
		"keepsafe.s3.prefix":            "S3 key prefix",
		"keepsafe.s3.use_ssl":           "Use SSL for S3 connections",
		"keepsafe.s3.access_key_id":     "S3 access key ID",
		"keepsafe.s3.secret_access_key": "S3 secret access key",
		"audit.enabled":                 "Enable audit logging",
		"audit.type":                    "Audit logger type (file, syslog)",
		"audit.log_level":               "Syslog priority for routine events (debug, info, warn, error)",
		"audit.options.file_path":       "Audit log file path",
		"audit.options.cache_size":      "Number of recent events kept in memory for queries",
	}
}

// printSettings writes the resolved configuration with sensitive values
// redacted. The table format adds where each value came from.
func printSettings(w io.Writer, format string) error {
	if format != "table" {
		config := viper.AllSettings()
		maskSensitiveValues(config)
		return encodeAs(w, format, config)
	}

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(tw, "---\t-----\t------")
	for _, key := range keys {
		value := viper.Get(key)
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\n", key, value, settingSource(key))
	}
	return tw.Flush()
}

func settingSource(key string) string {
	envKey := "KEEPSAFE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if os.Getenv(envKey) != "" || (key == "keepsafe.passphrase" && os.Getenv(passphraseEnvVar) != "") {
		return "environment"
	}
	if configFile := viper.ConfigFileUsed(); configFile != "" {
		return filepath.Base(configFile)
	}
	return "default"
}

// printKeyDescriptions writes the known configuration keys.
func printKeyDescriptions(w io.Writer, format string, keys map[string]string) error {
	if format != "table" {
		return encodeAs(w, format, keys)
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tDESCRIPTION")
	fmt.Fprintln(tw, "---\t-----------")
	for _, key := range sorted {
		fmt.Fprintf(tw, "%s\t%s\n", key, keys[key])
	}
	return tw.Flush()
}

func encodeAs(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal to YAML: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey reports keys whose values must not be echoed. Names of
// environment variables are not themselves secret.
func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	if strings.HasSuffix(lowerKey, "_env") {
		return false
	}
	for _, sensitive := range []string{"passphrase", "password", "secret", "token", "access_key"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}
