package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit entries, newest first",
	RunE:  runAuditQuery,
}

var auditSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete audit entries past the retention horizon",
	RunE:  runAuditSweep,
}

var (
	auditAgent     string
	auditOperation string
	auditLimit     int
	auditRetention int
	auditRequester string
)

func init() {
	auditCmd.AddCommand(auditQueryCmd, auditSweepCmd)

	auditQueryCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent ID")
	auditQueryCmd.Flags().StringVar(&auditOperation, "operation", "", "Filter by operation")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum rows")

	hostname, _ := os.Hostname()
	auditSweepCmd.Flags().StringVar(&auditRequester, "requester", fmt.Sprintf("cli@%s", hostname), "Requesting agent ID")
	auditSweepCmd.Flags().IntVar(&auditRetention, "retention-days", 0, "Retention in days (0 = server default)")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("/audit?limit=%d", auditLimit)
	if auditAgent != "" {
		url += "&agent=" + auditAgent
	}
	if auditOperation != "" {
		url += "&operation=" + auditOperation
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tAGENT\tOPERATION\tOK\tRESULT")
	for _, e := range entries {
		result := truncate(fmt.Sprintf("%v", e["result"]), 60)
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%s\n",
			e["created_at"], e["agent_id"], e["operation"], e["success"], result)
	}
	w.Flush()
	return nil
}

func runAuditSweep(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"requester":      auditRequester,
		"retention_days": auditRetention,
	}

	resp, err := apiPost("/audit/sweep", body)
	if err != nil {
		return err
	}

	var result struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Removed %d audit entries\n", result.Removed)
	return nil
}
