package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/keepsafe/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditKeyID         string
	auditUserID        string
	auditLimit         int
	auditOffset        int
	auditKeysOnly      bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail of key lifecycle and protection events.

Auditing is enabled with --audit (or audit.enabled in the config file). Only
the file logger can be queried; syslog events are read with the system tools.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # All events for the current user
  keepsafe audit query

  # Failed events in the last 24 hours
  keepsafe audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Key lifecycle events only
  keepsafe audit query --keys-only --details

  # Custom time range as JSON
  keepsafe audit query --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z" --json`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	Long: `Show audit summary statistics for the current user scope.

Examples:
  keepsafe audit summary
  keepsafe audit summary --since "2026-01-01T00:00:00Z" --json`,
	Args: cobra.NoArgs,
	RunE: runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "show events until this time (RFC3339 format)")

	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. PROTECT, KEY_EXPORT)")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditKeyID, "key-id", "", "filter by user key ID")
	auditQueryCmd.Flags().StringVar(&auditUserID, "user-id", "", "filter by user ID")
	auditQueryCmd.Flags().BoolVar(&auditKeysOnly, "keys-only", false, "show only key lifecycle events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show detailed event information")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\n%d of %d matching events shown; use --offset %d for more\n",
			len(result.Events), result.Filtered, options.Offset+len(result.Events))
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildTimeRange(audit.QueryOptions{ScopeID: identity.ScopeID()})
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	summary := summarizeEvents(identity.ScopeID(), result.Events)
	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}
	return displayAuditSummary(summary)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options, err := buildTimeRange(audit.QueryOptions{
		ScopeID:   identity.ScopeID(),
		Limit:     auditLimit,
		Offset:    auditOffset,
		Action:    auditAction,
		KeyID:     auditKeyID,
		UserID:    auditUserID,
		KeyAccess: auditKeysOnly,
	})
	if err != nil {
		return options, err
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func buildTimeRange(options audit.QueryOptions) (audit.QueryOptions, error) {
	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Scope:\t%s\n", event.ScopeID)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", statusLabel(event.Success))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.KeyID != "" {
				fmt.Fprintf(w, "Key ID:\t%s\n", event.KeyID)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.Command != "" {
				fmt.Fprintf(w, "Command:\t%s\n", event.Command)
			}
			if event.Duration > 0 {
				fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tKEY\tUSER\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			statusLabel(event.Success),
			truncate(event.KeyID, 12),
			event.UserID,
			truncate(event.Error, 30))
	}
	return w.Flush()
}

func statusLabel(success bool) string {
	if success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditSummary aggregates the events of one scope.
type AuditSummary struct {
	ScopeID          string         `json:"scope_id"`
	GeneratedAt      time.Time      `json:"generated_at"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	KeyOperations    int            `json:"key_operations"`
	Protections      int            `json:"protections"`
	Unprotections    int            `json:"unprotections"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	TopFailedActions []ActionCount  `json:"top_failed_actions"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func summarizeEvents(scopeID string, events []audit.Event) AuditSummary {
	summary := AuditSummary{
		ScopeID:         scopeID,
		GeneratedAt:     time.Now().UTC(),
		ActionBreakdown: make(map[string]int),
	}

	failedActions := make(map[string]int)
	for i := range events {
		event := events[i]
		summary.TotalEvents++
		summary.ActionBreakdown[event.Action]++

		if event.Success {
			summary.SuccessfulEvents++
		} else {
			summary.FailedEvents++
			failedActions[event.Action]++
		}

		switch {
		case audit.IsKeyAction(event.Action):
			summary.KeyOperations++
		case event.Action == audit.ActionProtect:
			summary.Protections++
		case event.Action == audit.ActionUnprotect:
			summary.Unprotections++
		}

		if summary.FirstEvent == nil || event.Timestamp.Before(*summary.FirstEvent) {
			summary.FirstEvent = &events[i].Timestamp
		}
		if summary.LastEvent == nil || event.Timestamp.After(*summary.LastEvent) {
			summary.LastEvent = &events[i].Timestamp
		}
	}

	if summary.TotalEvents > 0 {
		summary.SuccessRate = float64(summary.SuccessfulEvents) / float64(summary.TotalEvents) * 100
	}
	summary.TopFailedActions = getTopActions(failedActions, 5)
	return summary
}

func getTopActions(actionCounts map[string]int, limit int) []ActionCount {
	counts := make([]ActionCount, 0, len(actionCounts))
	for action, count := range actionCounts {
		counts = append(counts, ActionCount{Action: action, Count: count})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count == counts[j].Count {
			return counts[i].Action < counts[j].Action
		}
		return counts[i].Count > counts[j].Count
	})

	if len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

func displayAuditSummary(summary AuditSummary) error {
	fmt.Printf("Audit Summary for Scope: %s\n", summary.ScopeID)
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Total Events: %d\n", summary.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", summary.SuccessfulEvents, summary.SuccessRate)
	fmt.Printf("Failed: %d\n", summary.FailedEvents)
	fmt.Printf("Key Operations: %d\n", summary.KeyOperations)
	fmt.Printf("Protect: %d\n", summary.Protections)
	fmt.Printf("Unprotect: %d\n", summary.Unprotections)

	if summary.LastEvent != nil {
		fmt.Printf("Last Activity: %s\n", summary.LastEvent.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last Activity: -\n")
	}

	if len(summary.ActionBreakdown) > 0 {
		fmt.Printf("\nACTIONS\n")
		fmt.Printf("───────\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, ac := range getTopActions(summary.ActionBreakdown, len(summary.ActionBreakdown)) {
			fmt.Fprintf(w, "%s\t%d\n", ac.Action, ac.Count)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(summary.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILURES\n")
		fmt.Printf("────────────\n")
		for _, ac := range summary.TopFailedActions {
			fmt.Printf("%s: %d\n", ac.Action, ac.Count)
		}
	}

	return nil
}
