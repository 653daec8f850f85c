package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/keepsafe"
)

const (
	modeBytes  = "bytes"
	modeText   = "text"
	modeSecret = "secret"
)

var (
	inputData     string
	inputFile     string
	outputFile    string
	saltText      string
	saltFile      string
	saltBase64    string
	protectMode   string
	appendNewline bool
)

var protectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Encrypt data for the current user under a salt",
	Long: `Encrypt data so that only the current user, presenting the same salt, can
decrypt it. The payload is written base64 encoded.

Examples:
  # Protect a string
  keepsafe protect --data "Hello world" --salt "Salt is not a password" --mode text

  # Protect a file with a binary salt
  keepsafe protect --file db.creds --salt-file app.salt > db.creds.ks

  # Protect from stdin as a secret (never held in an ordinary Go string)
  printf 'hunter2' | keepsafe protect --mode secret --salt-base64 c2FsdA==`,
	RunE: audited(runProtect),
}

var unprotectCmd = &cobra.Command{
	Use:   "unprotect",
	Short: "Decrypt data produced by protect",
	Long: `Decrypt a base64 payload produced by 'keepsafe protect'. The same user, the
same key and the same salt are required; any mismatch fails.

Examples:
  keepsafe unprotect --file db.creds.ks --salt-file app.salt --output db.creds
  keepsafe unprotect --data "$PAYLOAD" --salt "Salt is not a password" --mode text`,
	RunE: audited(runUnprotect),
}

func init() {
	rootCmd.AddCommand(protectCmd)
	rootCmd.AddCommand(unprotectCmd)

	for _, c := range []*cobra.Command{protectCmd, unprotectCmd} {
		c.Flags().StringVarP(&inputData, "data", "d", "", "input given inline")
		c.Flags().StringVarP(&inputFile, "file", "f", "", "input file ('-' for stdin)")
		c.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default stdout)")
		c.Flags().StringVar(&saltText, "salt", "", "salt given as text")
		c.Flags().StringVar(&saltFile, "salt-file", "", "file whose raw bytes are the salt")
		c.Flags().StringVar(&saltBase64, "salt-base64", "", "salt given as base64")
		c.Flags().StringVarP(&protectMode, "mode", "m", modeBytes, "input kind: bytes, text or secret")
		c.MarkFlagsMutuallyExclusive("data", "file")
		c.MarkFlagsMutuallyExclusive("salt", "salt-file", "salt-base64")
		c.MarkFlagsOneRequired("salt", "salt-file", "salt-base64")
	}
	protectCmd.Flags().BoolVar(&appendNewline, "newline", true, "terminate the base64 output with a newline")
}

func runProtect(cmd *cobra.Command, args []string) error {
	if err := validateMode(protectMode); err != nil {
		return err
	}
	salt, err := readSalt()
	if err != nil {
		return err
	}
	data, err := readInput(cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(data)

	if err = openProtector(); err != nil {
		return err
	}

	var payload []byte
	switch protectMode {
	case modeText:
		payload, err = protection.ProtectText(string(data), salt).Get()
	case modeSecret:
		// WrapBytes takes ownership of data and wipes it
		secret, wrapErr := secretSvc.WrapBytes(data).Get()
		if wrapErr != nil {
			return wrapErr
		}
		payload, err = protection.ProtectSecret(secret, salt).Get()
	default:
		payload, err = protection.ProtectBytes(data, salt).Get()
	}
	if err != nil {
		return err
	}

	encoded, err := keepsafe.ToBase64(payload).Get()
	if err != nil {
		return err
	}
	if appendNewline {
		encoded += "\n"
	}
	return writeOutput(cmd.OutOrStdout(), []byte(encoded))
}

func runUnprotect(cmd *cobra.Command, args []string) error {
	if err := validateMode(protectMode); err != nil {
		return err
	}
	salt, err := readSalt()
	if err != nil {
		return err
	}
	input, err := readInput(cmd.InOrStdin())
	if err != nil {
		return err
	}

	payload, err := keepsafe.FromBase64(strings.TrimSpace(string(input))).Get()
	if err != nil {
		return fmt.Errorf("payload is not valid base64: %w", err)
	}

	if err = openProtector(); err != nil {
		return err
	}

	switch protectMode {
	case modeText:
		text, err := protection.UnprotectText(payload, salt).Get()
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), []byte(text))

	case modeSecret:
		secret, err := protection.UnprotectSecret(payload, salt).Get()
		if err != nil {
			return err
		}
		return secretSvc.RevealBytes(secret, func(plaintext []byte) error {
			return writeOutput(cmd.OutOrStdout(), plaintext)
		})

	default:
		plain, err := protection.UnprotectBytes(payload, salt).Get()
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(plain)
		return writeOutput(cmd.OutOrStdout(), plain)
	}
}

func validateMode(mode string) error {
	switch mode {
	case modeBytes, modeText, modeSecret:
		return nil
	}
	return fmt.Errorf("invalid mode %q: must be one of %s, %s, %s", mode, modeBytes, modeText, modeSecret)
}

func readSalt() (*keepsafe.Salt, error) {
	switch {
	case saltText != "":
		return keepsafe.SaltFromString(saltText), nil
	case saltFile != "":
		raw, err := os.ReadFile(saltFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		return keepsafe.NewSalt(raw), nil
	case saltBase64 != "":
		raw, err := keepsafe.FromBase64(saltBase64).Get()
		if err != nil {
			return nil, fmt.Errorf("invalid base64 salt: %w", err)
		}
		return keepsafe.NewSalt(raw), nil
	}
	// an empty salt flag reaches the service, which reports InvalidSalt
	return keepsafe.NewSalt(nil), nil
}

func readInput(stdin io.Reader) ([]byte, error) {
	if inputData != "" {
		return []byte(inputData), nil
	}
	if inputFile != "" && inputFile != "-" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stdin); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return buf.Bytes(), nil
}

func writeOutput(stdout io.Writer, data []byte) error {
	if outputFile == "" || outputFile == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}
