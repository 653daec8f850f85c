package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"southwinds.dev/keepsafe"
)

var (
	saltSize   int
	saltOutput string
)

var saltCmd = &cobra.Command{
	Use:   "salt",
	Short: "Work with salts",
}

var saltGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random salt",
	Long: `Generate a random salt from the system CSPRNG. Without --output the salt is
printed base64 encoded, ready for --salt-base64. With --output the raw bytes
are written to the file, ready for --salt-file.`,
	Args: cobra.NoArgs,
	RunE: runSaltGenerate,
}

func init() {
	rootCmd.AddCommand(saltCmd)
	saltCmd.AddCommand(saltGenerateCmd)

	saltGenerateCmd.Flags().IntVarP(&saltSize, "size", "s", 32, "salt size in bytes")
	saltGenerateCmd.Flags().StringVarP(&saltOutput, "output", "o", "", "write the raw salt to this file")
}

func runSaltGenerate(cmd *cobra.Command, args []string) error {
	salt, err := keepsafe.NewRandomSalt(saltSize)
	if err != nil {
		return err
	}

	if saltOutput != "" {
		if err = os.WriteFile(saltOutput, salt.Bytes(), 0600); err != nil {
			return fmt.Errorf("failed to write salt: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d-byte salt to %s\n", salt.Len(), saltOutput)
		return nil
	}

	encoded, err := keepsafe.ToBase64(salt.Bytes()).Get()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), encoded)
	return nil
}
