package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/keepsafe/audit"
)

var storeDeleteConfirm bool

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and prune the key store",
	Long: `Inspect the configured key store. Each user's key lives in its own scope,
named user-<uid>.`,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user scopes in the store",
	Args:  cobra.NoArgs,
	RunE:  runStoreList,
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <scope>",
	Short: "Delete another user's scope and key",
	Long: `Delete a scope and the user key it holds. Payloads protected under that key
can no longer be unprotected. The current user's own scope cannot be deleted.

Examples:
  keepsafe store delete user-1001 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: audited(runStoreDelete),
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeDeleteCmd)

	storeDeleteCmd.Flags().BoolVar(&storeDeleteConfirm, "yes", false, "confirm the deletion")
}

func runStoreList(cmd *cobra.Command, args []string) error {
	store, err := createStore(identity.ScopeID())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	scopes, err := store.ListScopes()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Store: %s\n", getStoreConfigSummary(viper.GetString("keepsafe.store_type")))
	if len(scopes) == 0 {
		fmt.Fprintln(out, "No scopes found")
		return nil
	}
	for _, s := range scopes {
		marker := " "
		if s == identity.ScopeID() {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, s)
	}
	return nil
}

func runStoreDelete(cmd *cobra.Command, args []string) error {
	scopeID := args[0]
	if !storeDeleteConfirm {
		return fmt.Errorf("deleting %s destroys its user key; rerun with --yes to confirm", scopeID)
	}

	store, err := createStore(identity.ScopeID())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	err = store.DeleteScope(scopeID)
	metadata := map[string]interface{}{"user_id": identity.UID, "deleted_scope": scopeID}
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = auditLogger.Log(audit.ActionScopeDelete, err == nil, metadata)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted scope %s\n", scopeID)
	return nil
}
