package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"southwinds.dev/keepsafe/scope"
)

const exportPassphraseEnvVar = "KEEPSAFE_EXPORT_PASSPHRASE"

var (
	keyFormat           string
	keyExportPassphrase string
	keyExportFile       string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the user key",
	Long: `Manage the key that binds protected data to the current user. The key is
created on first use and stored wrapped under the configured passphrase or
machine key.`,
}

var keyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the user key if it does not exist",
	Args:  cobra.NoArgs,
	RunE:  audited(runKeyInit),
}

var keyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the user key and store",
	Args:  cobra.NoArgs,
	RunE:  runKeyStatus,
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the user key encrypted under a passphrase",
	Long: `Export the user key so that it can be imported into another store or on
another machine. The export is encrypted with PBKDF2 and ChaCha20-Poly1305
under the export passphrase (--export-passphrase or KEEPSAFE_EXPORT_PASSPHRASE).

Examples:
  KEEPSAFE_EXPORT_PASSPHRASE='long transfer phrase' keepsafe key export -o user.key.export`,
	Args: cobra.NoArgs,
	RunE: audited(runKeyExport),
}

var keyImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace the user key with an exported one",
	Long: `Import a key produced by 'keepsafe key export' for the same user. The key is
re-wrapped under this store's passphrase or machine key; payloads protected
before the export can then be unprotected here.`,
	Args: cobra.NoArgs,
	RunE: audited(runKeyImport),
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyInitCmd)
	keyCmd.AddCommand(keyStatusCmd)
	keyCmd.AddCommand(keyExportCmd)
	keyCmd.AddCommand(keyImportCmd)

	keyStatusCmd.Flags().StringVar(&keyFormat, "format", "text", "output format (text, json, yaml)")

	for _, c := range []*cobra.Command{keyExportCmd, keyImportCmd} {
		c.Flags().StringVar(&keyExportPassphrase, "export-passphrase", "", "passphrase protecting the export")
	}
	keyExportCmd.Flags().StringVarP(&keyExportFile, "output", "o", "", "export file (default stdout)")
	keyImportCmd.Flags().StringVarP(&keyExportFile, "file", "f", "", "export file to import")
	_ = keyImportCmd.MarkFlagRequired("file")
}

func runKeyInit(cmd *cobra.Command, args []string) error {
	if err := openProtector(); err != nil {
		return err
	}

	status := protector.Status()
	if status.Created {
		fmt.Fprintf(cmd.OutOrStdout(), "Created user key %s for %s (%s)\n", status.KeyID, status.Username, status.ScopeID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "User key %s already exists for %s (%s)\n", status.KeyID, status.Username, status.ScopeID)
	}
	return nil
}

func runKeyStatus(cmd *cobra.Command, args []string) error {
	if err := openProtector(); err != nil {
		return err
	}
	return printKeyStatus(cmd, protector.Status())
}

func printKeyStatus(cmd *cobra.Command, status scope.Status) error {
	out := cmd.OutOrStdout()

	switch strings.ToLower(keyFormat) {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal status to YAML: %w", err)
		}
		_, err = out.Write(data)
		return err
	case "text", "":
		fmt.Fprintf(out, "User Key\n")
		fmt.Fprintf(out, "========\n")
		fmt.Fprintf(out, "Scope:      %s\n", status.ScopeID)
		fmt.Fprintf(out, "User:       %s (uid %s)\n", status.Username, status.UID)
		fmt.Fprintf(out, "Key ID:     %s\n", status.KeyID)
		fmt.Fprintf(out, "Key Source: %s\n", status.KeySource)
		fmt.Fprintf(out, "Created:    %s\n", status.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Store:      %s\n", status.StoreType)
		fmt.Fprintf(out, "Checksum:   %s\n", status.RecordChecksum)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", keyFormat)
	}
}

func exportPassphrase() ([]byte, error) {
	if keyExportPassphrase != "" {
		return []byte(keyExportPassphrase), nil
	}
	if env := os.Getenv(exportPassphraseEnvVar); env != "" {
		_ = os.Unsetenv(exportPassphraseEnvVar)
		return []byte(env), nil
	}
	return nil, fmt.Errorf("export passphrase is required. Use --export-passphrase or %s", exportPassphraseEnvVar)
}

func runKeyExport(cmd *cobra.Command, args []string) error {
	passphrase, err := exportPassphrase()
	if err != nil {
		return err
	}
	if err = openProtector(); err != nil {
		return err
	}

	exported, err := protector.ExportKey(passphrase)
	if err != nil {
		return err
	}

	if keyExportFile == "" {
		_, err = cmd.OutOrStdout().Write(exported)
		return err
	}
	if err = os.WriteFile(keyExportFile, exported, 0600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "User key exported to %s\n", keyExportFile)
	return nil
}

func runKeyImport(cmd *cobra.Command, args []string) error {
	passphrase, err := exportPassphrase()
	if err != nil {
		return err
	}
	exported, err := os.ReadFile(keyExportFile)
	if err != nil {
		return fmt.Errorf("failed to read export file: %w", err)
	}
	if err = openProtector(); err != nil {
		return err
	}

	if err = protector.ImportKey(exported, passphrase); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported user key %s\n", protector.Status().KeyID)
	return nil
}
