package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/scope"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script",
	Long: `Print a completion script for the given shell. Flag values such as --mode,
--store-type and --action complete as well, and 'store delete' completes the
scopes found in the configured store.

Bash:
  source <(keepsafe completion bash)

Zsh:
  keepsafe completion zsh > "${fpath[1]}/_keepsafe"

fish:
  keepsafe completion fish > ~/.config/fish/completions/keepsafe.fish

PowerShell:
  keepsafe completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(out, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return fmt.Errorf("unsupported shell: %s", args[0])
}

// registerFlagCompletions runs after every command's init has declared its
// flags.
func registerFlagCompletions() {
	fixed := func(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return values, cobra.ShellCompDirectiveNoFileComp
		}
	}

	_ = rootCmd.RegisterFlagCompletionFunc("store-type", fixed("file", "s3"))
	_ = rootCmd.RegisterFlagCompletionFunc("audit-type", fixed("file", "syslog"))
	for _, c := range []*cobra.Command{protectCmd, unprotectCmd} {
		_ = c.RegisterFlagCompletionFunc("mode", fixed(modeBytes, modeText, modeSecret))
	}
	_ = keyStatusCmd.RegisterFlagCompletionFunc("format", fixed("text", "json", "yaml"))
	_ = auditQueryCmd.RegisterFlagCompletionFunc("action", fixed(audit.Actions...))
	_ = auditQueryCmd.RegisterFlagCompletionFunc("success", fixed("true", "false"))
	_ = configInitCmd.RegisterFlagCompletionFunc("template", fixed("minimal", "default", "full"))

	storeDeleteCmd.ValidArgsFunction = completeScopes
}

// completeScopes offers the other users' scopes in the configured store.
// Completion runs without PersistentPreRunE, so the identity is resolved here.
func completeScopes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	id, err := scope.ResolveIdentity(scope.Options{UserID: viper.GetString("keepsafe.user")})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	store, err := createStore(id.ScopeID())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer store.Close()

	scopes, err := store.ListScopes()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var candidates []string
	for _, s := range scopes {
		if s != id.ScopeID() {
			candidates = append(candidates, s)
		}
	}
	return candidates, cobra.ShellCompDirectiveNoFileComp
}
