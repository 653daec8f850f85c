package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/keepsafe"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/internal/mem"
	"southwinds.dev/keepsafe/persist"
	"southwinds.dev/keepsafe/scope"
)

var (
	cfgFile     string
	identity    scope.Identity
	protector   *scope.Protector
	protection  keepsafe.ProtectionService
	secretSvc   = keepsafe.NewSecretService()
	auditLogger audit.Logger
	cliContext  *CLIContext
	memLevel    mem.ProtectionLevel
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keepsafe",
	Short: "Protect data under a caller-supplied salt and a key bound to the current user",
	Long: `keepsafe encrypts bytes, text and secrets so that only the same OS user,
presenting the same salt, can decrypt them. The user key is wrapped with a key
derived from a passphrase or the machine id and kept in a filesystem or S3 store.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeRuntime,
	PersistentPostRunE: closeRuntime,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	memguard.CatchInterrupt()
	registerFlagCompletions()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", formatError(err))
		memguard.SafeExit(1)
	}
	memguard.Purge()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keepsafe.yaml)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path to the key store (filesystem store)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().String("passphrase", "", "passphrase protecting the user key (or use KEEPSAFE_PASSPHRASE)")
	rootCmd.PersistentFlags().String("passphrase-env", "", "name of an environment variable holding the passphrase")
	rootCmd.PersistentFlags().Bool("machine-key", false, "derive the key-encryption key from the machine id when no passphrase is set")
	rootCmd.PersistentFlags().String("user", "", "override the OS user id the key is bound to")

	bindFlagOrPanic("keepsafe.path", "store-path")
	bindFlagOrPanic("keepsafe.store_type", "store-type")
	bindFlagOrPanic("keepsafe.passphrase", "passphrase")
	bindFlagOrPanic("keepsafe.passphrase_env", "passphrase-env")
	bindFlagOrPanic("keepsafe.machine_key", "machine-key")
	bindFlagOrPanic("keepsafe.user", "user")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint (host:port)")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("keepsafe.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("keepsafe.s3.region", "s3-region")
	bindFlagOrPanic("keepsafe.s3.bucket", "s3-bucket")
	bindFlagOrPanic("keepsafe.s3.prefix", "s3-prefix")
	bindFlagOrPanic("keepsafe.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("keepsafe.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("keepsafe.s3.use_ssl", "s3-use-ssl")

	rootCmd.AddCommand(debugConfigCmd)
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/keepsafe")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keepsafe")
	}

	viper.SetEnvPrefix("KEEPSAFE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("keepsafe.path", defaultStorePath())
	viper.SetDefault("keepsafe.store_type", "file")
	viper.SetDefault("keepsafe.machine_key", false)

	viper.SetDefault("keepsafe.s3.region", "us-east-1")
	viper.SetDefault("keepsafe.s3.prefix", "keepsafe/")
	viper.SetDefault("keepsafe.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	// resolved against the store path in initializeRuntime
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsafe"
	}
	return filepath.Join(home, ".keepsafe")
}

// lockMemory is swapped out in tests
var lockMemory = mem.Lock

// commands that never touch the key store or the audit trail
var offlineCommands = map[string]bool{
	"help":         true,
	"completion":   true,
	"__complete":   true,
	"debug-config": true,
	"generate":     true,
}

func isOffline(cmd *cobra.Command) bool {
	if offlineCommands[cmd.Name()] {
		return true
	}
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

func initializeRuntime(cmd *cobra.Command, args []string) error {
	if isOffline(cmd) {
		return nil
	}

	level, err := lockMemory()
	if err != nil {
		log.Printf("Warning: memory locking unavailable: %v", err)
	}
	memLevel = level

	identity, err = scope.ResolveIdentity(scope.Options{UserID: viper.GetString("keepsafe.user")})
	if err != nil {
		return err
	}

	cliContext = &CLIContext{
		UserID:    identity.UID,
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(viper.GetString("keepsafe.path"), "audit.log"))
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	return nil
}

func closeRuntime(cmd *cobra.Command, args []string) error {
	var errs []error
	if protector != nil {
		errs = append(errs, protector.Close())
		protector = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	if memLevel == mem.ProtectionFull {
		errs = append(errs, mem.Unlock())
		memLevel = mem.ProtectionNone
	}
	return errors.Join(errs...)
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		ScopeID: identity.ScopeID(),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":  viper.GetString("audit.options.file_path"),
			"cache_size": viper.GetInt("audit.options.cache_size"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// protectorOptions reads the key material settings. The passphrase flag wins
// over KEEPSAFE_PASSPHRASE, which wins over a named variable and the machine
// key.
func protectorOptions() scope.Options {
	options := scope.Options{
		Passphrase:       viper.GetString("keepsafe.passphrase"),
		EnvPassphraseVar: viper.GetString("keepsafe.passphrase_env"),
		UseMachineKey:    viper.GetBool("keepsafe.machine_key"),
		MachineKeyPaths:  viper.GetStringSlice("keepsafe.machine_key_paths"),
		UserID:           viper.GetString("keepsafe.user"),
	}
	if options.Passphrase == "" && os.Getenv(passphraseEnvVar) != "" {
		// scope.New clears the variable once read
		options.EnvPassphraseVar = passphraseEnvVar
	}
	return options
}

const passphraseEnvVar = "KEEPSAFE_PASSPHRASE"

// openProtector unlocks (or creates) the user key and builds the protection
// service on top of it. Commands call it lazily so that offline commands
// never prompt for key material.
func openProtector() error {
	if protector != nil {
		return nil
	}

	options := protectorOptions()
	if err := options.Validate(); err != nil {
		return fmt.Errorf("%w. Use --passphrase, KEEPSAFE_PASSPHRASE, --passphrase-env or --machine-key", err)
	}

	store, err := createStore(identity.ScopeID())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	p, err := scope.New(options, store, auditLogger)
	if err != nil {
		_ = store.Close()
		return err
	}

	svc, err := keepsafe.NewProtectionService(p, secretSvc)
	if err != nil {
		_ = p.Close()
		return err
	}

	protector = p
	protection = svc
	return nil
}

func createStore(scopeID string) (persist.Store, error) {
	storeType := viper.GetString("keepsafe.store_type")

	switch strings.ToLower(storeType) {
	case "file", "filesystem":
		path := viper.GetString("keepsafe.path")
		if err := os.MkdirAll(path, persist.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": path},
		}, scopeID)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("keepsafe.s3.endpoint"),
			AccessKeyID:     viper.GetString("keepsafe.s3.access_key_id"),
			SecretAccessKey: viper.GetString("keepsafe.s3.secret_access_key"),
			Bucket:          viper.GetString("keepsafe.s3.bucket"),
			KeyPrefix:       viper.GetString("keepsafe.s3.prefix"),
			UseSSL:          viper.GetBool("keepsafe.s3.use_ssl"),
			Region:          viper.GetString("keepsafe.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config, scopeID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "keepsafe.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "keepsafe.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "keepsafe.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "keepsafe.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case "file", "filesystem":
		return fmt.Sprintf("File store: path=%s", viper.GetString("keepsafe.path"))
	case "s3":
		return fmt.Sprintf("S3 store: endpoint=%s, bucket=%s, prefix=%s",
			viper.GetString("keepsafe.s3.endpoint"),
			viper.GetString("keepsafe.s3.bucket"),
			viper.GetString("keepsafe.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "salt", "data"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the OS username, falling back to $USER.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.NewString()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (KEEPSAFE_* prefix):\n")
		for _, env := range os.Environ() {
			name, value, ok := strings.Cut(env, "=")
			if !ok || !strings.HasPrefix(name, "KEEPSAFE_") {
				continue
			}
			if isSensitiveFlag(name) {
				value = "***REDACTED***"
			}
			fmt.Printf("  %s=%s\n", name, value)
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  OS User: %s\n", getCurrentUser())
		fmt.Printf("  Store Type: %s\n", viper.GetString("keepsafe.store_type"))
		fmt.Printf("  Store Path: %s\n", viper.GetString("keepsafe.path"))
		fmt.Printf("  User Override: %s\n", viper.GetString("keepsafe.user"))
		fmt.Printf("  Passphrase: %s\n", setOrNot(viper.GetString("keepsafe.passphrase")))
		fmt.Printf("  Passphrase Env: %s\n", viper.GetString("keepsafe.passphrase_env"))
		fmt.Printf("  Machine Key: %v\n", viper.GetBool("keepsafe.machine_key"))

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		storeType := viper.GetString("keepsafe.store_type")
		if strings.ToLower(storeType) == "s3" {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("keepsafe.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("keepsafe.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("keepsafe.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("keepsafe.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("keepsafe.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", setOrNot(viper.GetString("keepsafe.s3.access_key_id")))
			fmt.Printf("  Secret Key: %s\n", setOrNot(viper.GetString("keepsafe.s3.secret_access_key")))
		}

		fmt.Printf("\nStore Configuration Summary:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))
		return nil
	},
}

func setOrNot(value string) string {
	if value != "" {
		return "***SET***"
	}
	return "***NOT SET***"
}

func auditCmdStart(cmd *cobra.Command) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log(audit.ActionCommandStart, true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		metadata := map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
			"source":      cliContext.Source,
		}
		if err != nil {
			metadata["error"] = formatError(err)
		}
		if logErr := auditLogger.Log(audit.ActionCommandEnd, err == nil, metadata); logErr != nil {
			log.Printf("ERROR: %v\n", logErr)
		}
	}
	return err
}

// audited wraps a RunE so that its start and completion are recorded.
func audited(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd)
		return auditCmdComplete(cmd, run(cmd, args), started)
	}
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	if kind := keepsafe.KindOf(err); kind != keepsafe.PropagatedFailure {
		return fmt.Sprintf("Error [%s]: %s", kind, message)
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}
