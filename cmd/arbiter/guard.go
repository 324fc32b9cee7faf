package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Check operations against guardrails",
}

var guardCheckCmd = &cobra.Command{
	Use:   "check [operation-text...]",
	Short: "Check operation text against the pattern registry",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGuardCheck,
}

var guardViolationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List recorded violations",
	RunE:  runGuardViolations,
}

var (
	guardAgent      string
	violationsLimit int
)

func init() {
	guardCmd.AddCommand(guardCheckCmd, guardViolationsCmd)

	hostname, _ := os.Hostname()
	guardCheckCmd.Flags().StringVar(&guardAgent, "agent", fmt.Sprintf("cli@%s", hostname), "Agent ID")

	guardViolationsCmd.Flags().StringVar(&guardAgent, "agent", "", "Filter by agent ID")
	guardViolationsCmd.Flags().IntVar(&violationsLimit, "limit", 50, "Maximum rows")
}

func runGuardCheck(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"operation_text": strings.Join(args, " "),
		"agent_id":       guardAgent,
	}

	resp, err := apiPost("/guardrails/check", body)
	if err != nil {
		return err
	}

	var verdict struct {
		Safe       bool `json:"safe"`
		Violations []struct {
			PatternName string `json:"pattern_name"`
			Severity    string `json:"severity"`
			MatchedText string `json:"matched_text"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(resp, &verdict); err != nil {
		return err
	}

	if verdict.Safe {
		fmt.Println("Safe")
		return nil
	}

	fmt.Println("Blocked:")
	for _, v := range verdict.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.PatternName, v.MatchedText)
	}
	os.Exit(1)
	return nil
}

func runGuardViolations(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("/guardrails/violations?limit=%d", violationsLimit)
	if guardAgent != "" {
		url += "&agent=" + guardAgent
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var violations []map[string]interface{}
	if err := json.Unmarshal(resp, &violations); err != nil {
		return err
	}

	if len(violations) == 0 {
		fmt.Println("No violations recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tAGENT\tPATTERN\tSEVERITY\tBLOCKED")
	for _, v := range violations {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			v["created_at"], v["agent_id"], v["pattern_name"], v["severity"], v["blocked"])
	}
	w.Flush()
	return nil
}
