package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/keepsafe/audit"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keepsafe status",
	Long:  "Display the user, memory protection level, user key, store and audit trail.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Keepsafe Status")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "User: %s (uid %s)\n", getCurrentUser(), identity.UID)
	fmt.Fprintf(out, "Scope: %s\n", identity.ScopeID())
	fmt.Fprintf(out, "Memory Protection: %s\n", memLevel)

	if err := openProtector(); err != nil {
		fmt.Fprintf(out, "User Key: ERROR - %v\n", err)
	} else {
		status := protector.Status()
		fmt.Fprintf(out, "User Key: %s (source: %s)\n", status.KeyID, status.KeySource)
	}

	fmt.Fprintf(out, "Store: %s\n", getStoreConfigSummary(viper.GetString("keepsafe.store_type")))

	if !viper.GetBool("audit.enabled") {
		fmt.Fprintln(out, "Audit: disabled")
		return nil
	}

	failed := false
	result, err := auditLogger.Query(audit.QueryOptions{ScopeID: identity.ScopeID(), Success: &failed})
	if err != nil {
		fmt.Fprintf(out, "Audit: ERROR - %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Audit: %s (%d events, %d failed)\n", viper.GetString("audit.type"), result.TotalCount, result.Filtered)
	return nil
}
