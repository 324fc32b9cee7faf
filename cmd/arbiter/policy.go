package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Query the policy engine",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [action]",
	Short: "Ask whether a principal may perform an action",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

var networkCheckCmd = &cobra.Command{
	Use:   "network [domain]",
	Short: "Ask whether an agent may reach a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworkCheck,
}

var setTrustCmd = &cobra.Command{
	Use:   "set-trust [agent-id] [level]",
	Short: "Set an agent's trust level (requires a trusted requester)",
	Args:  cobra.ExactArgs(2),
	RunE:  runSetTrust,
}

var profileShowCmd = &cobra.Command{
	Use:   "profile [agent-id]",
	Short: "Show an agent's trust profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var networkAddCmd = &cobra.Command{
	Use:   "network-add [domain-pattern]",
	Short: "Add a network access rule (requires a trusted requester)",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworkAdd,
}

var networkListCmd = &cobra.Command{
	Use:   "network-list",
	Short: "List network access rules",
	RunE:  runNetworkList,
}

var (
	policyPrincipal string
	policyResource  string
	trustAllow      string
	trustBlock      string
	networkAction   string
	networkPriority int
)

func init() {
	policyCmd.AddCommand(policyCheckCmd, networkCheckCmd, setTrustCmd, profileShowCmd, networkAddCmd, networkListCmd)

	hostname, _ := os.Hostname()
	defaultPrincipal := fmt.Sprintf("cli@%s", hostname)

	policyCheckCmd.Flags().StringVar(&policyPrincipal, "principal", defaultPrincipal, "Principal agent ID")
	policyCheckCmd.Flags().StringVar(&policyResource, "resource", "", "Target resource")

	networkCheckCmd.Flags().StringVar(&policyPrincipal, "principal", defaultPrincipal, "Principal agent ID")

	setTrustCmd.Flags().StringVar(&policyPrincipal, "requester", defaultPrincipal, "Requesting agent ID")
	setTrustCmd.Flags().StringVar(&trustAllow, "allow", "", "Comma-separated allowed operations")
	setTrustCmd.Flags().StringVar(&trustBlock, "block", "", "Comma-separated blocked operations")

	networkAddCmd.Flags().StringVar(&policyPrincipal, "requester", defaultPrincipal, "Requesting agent ID")
	networkAddCmd.Flags().StringVar(&networkAction, "action", "allow", "Rule action (allow or deny)")
	networkAddCmd.Flags().IntVar(&networkPriority, "priority", 0, "Rule priority (higher wins)")
}

func printDecision(resp []byte) error {
	var decision struct {
		Allowed         bool   `json:"allowed"`
		Reason          string `json:"reason"`
		MatchedPolicyID string `json:"matched_policy_id"`
	}
	if err := json.Unmarshal(resp, &decision); err != nil {
		return err
	}

	verdict := "DENY"
	if decision.Allowed {
		verdict = "ALLOW"
	}
	fmt.Printf("%s (%s)\n", verdict, decision.Reason)
	if decision.MatchedPolicyID != "" {
		fmt.Printf("Matched: %s\n", decision.MatchedPolicyID)
	}
	if !decision.Allowed {
		os.Exit(1)
	}
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"principal": policyPrincipal,
		"action":    args[0],
		"resource":  policyResource,
	}

	resp, err := apiPost("/policy/check", body)
	if err != nil {
		return err
	}
	return printDecision(resp)
}

func runNetworkCheck(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"agent_id": policyPrincipal,
		"domain":   args[0],
	}

	resp, err := apiPost("/network/check", body)
	if err != nil {
		return err
	}
	return printDecision(resp)
}

func runSetTrust(cmd *cobra.Command, args []string) error {
	level, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("trust level must be a number: %w", err)
	}

	body := map[string]interface{}{
		"requester": policyPrincipal,
		"profile": map[string]interface{}{
			"agent_id":    args[0],
			"trust_level": level,
			"allowed_ops": splitCSV(trustAllow),
			"blocked_ops": splitCSV(trustBlock),
		},
	}

	resp, err := apiPost("/profiles", body)
	if err != nil {
		return err
	}

	var profile map[string]interface{}
	if err := json.Unmarshal(resp, &profile); err != nil {
		return err
	}
	fmt.Printf("Agent %v now has trust level %v\n", profile["agent_id"], profile["trust_level"])
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/profiles/" + args[0])
	if err != nil {
		return err
	}

	var profile map[string]interface{}
	if err := json.Unmarshal(resp, &profile); err != nil {
		return err
	}
	fmt.Printf("Agent:   %v\n", profile["agent_id"])
	fmt.Printf("Trust:   %v\n", profile["trust_level"])
	if ops, ok := profile["allowed_ops"].([]interface{}); ok && len(ops) > 0 {
		fmt.Printf("Allowed: %v\n", ops)
	}
	if ops, ok := profile["blocked_ops"].([]interface{}); ok && len(ops) > 0 {
		fmt.Printf("Blocked: %v\n", ops)
	}
	return nil
}

func runNetworkAdd(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"requester": policyPrincipal,
		"policy": map[string]interface{}{
			"domain_pattern": args[0],
			"action":         networkAction,
			"priority":       networkPriority,
			"enabled":        true,
		},
	}

	resp, err := apiPost("/network/policies", body)
	if err != nil {
		return err
	}

	var stored map[string]interface{}
	if err := json.Unmarshal(resp, &stored); err != nil {
		return err
	}
	fmt.Printf("Rule added: %v %v (priority %v)\n", stored["action"], stored["domain_pattern"], stored["priority"])
	return nil
}

func runNetworkList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/network/policies")
	if err != nil {
		return err
	}

	var policies []map[string]interface{}
	if err := json.Unmarshal(resp, &policies); err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Println("No network rules")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATTERN\tACTION\tPRIORITY")
	for _, p := range policies {
		fmt.Fprintf(w, "%v\t%v\t%v\n", p["domain_pattern"], p["action"], p["priority"])
	}
	w.Flush()
	return nil
}
