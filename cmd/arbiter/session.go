package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionRegisterCmd = &cobra.Command{
	Use:   "register [agent-id]",
	Short: "Register an agent session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRegister,
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [session-id]",
	Short: "Send a heartbeat for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionHeartbeat,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover active sessions",
	RunE:  runSessionList,
}

var sessionReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Disconnect stale sessions and free their locks",
	RunE:  runSessionReap,
}

var (
	sessionAgentType    string
	sessionCapabilities string
	sessionCurrentTask  string
	sessionCapFilter    string
	sessionStatusFilter string
	sessionStaleSec     int
	sessionRequester    string
)

func init() {
	sessionCmd.AddCommand(sessionRegisterCmd, sessionHeartbeatCmd, sessionListCmd, sessionReapCmd)

	sessionRegisterCmd.Flags().StringVar(&sessionAgentType, "type", "", "Agent type")
	sessionRegisterCmd.Flags().StringVar(&sessionCapabilities, "capabilities", "", "Comma-separated capabilities")

	sessionHeartbeatCmd.Flags().StringVar(&sessionCurrentTask, "task", "", "Task the agent is working on")

	sessionListCmd.Flags().StringVar(&sessionCapFilter, "capability", "", "Filter by capability")
	sessionListCmd.Flags().StringVar(&sessionStatusFilter, "status", "", "Filter by status (active, idle, disconnected)")

	hostname, _ := os.Hostname()
	sessionReapCmd.Flags().StringVar(&sessionRequester, "requester", fmt.Sprintf("cli@%s", hostname), "Requesting agent ID")
	sessionReapCmd.Flags().IntVar(&sessionStaleSec, "stale-after", 0, "Heartbeat staleness threshold in seconds (0 = server default)")
}

func runSessionRegister(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"agent_id":     args[0],
		"agent_type":   sessionAgentType,
		"capabilities": splitCSV(sessionCapabilities),
	}

	resp, err := apiPost("/sessions", body)
	if err != nil {
		return err
	}

	var session map[string]interface{}
	if err := json.Unmarshal(resp, &session); err != nil {
		return err
	}

	fmt.Printf("Registered session %v for %s\n", session["id"], args[0])
	return nil
}

func runSessionHeartbeat(cmd *cobra.Command, args []string) error {
	body := map[string]string{"current_task": sessionCurrentTask}

	if _, err := apiPost("/sessions/"+args[0]+"/heartbeat", body); err != nil {
		return err
	}

	fmt.Println("Heartbeat recorded")
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	url := "/sessions"
	sep := "?"
	if sessionCapFilter != "" {
		url += sep + "capability=" + sessionCapFilter
		sep = "&"
	}
	if sessionStatusFilter != "" {
		url += sep + "status=" + sessionStatusFilter
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var sessions []map[string]interface{}
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tSTATUS\tLAST HEARTBEAT")
	for _, s := range sessions {
		id := truncateID(fmt.Sprintf("%v", s["id"]))
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\n", id, s["agent_id"], s["status"], s["last_heartbeat"])
	}
	w.Flush()
	return nil
}

func runSessionReap(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"requester":       sessionRequester,
		"stale_after_sec": sessionStaleSec,
	}

	resp, err := apiPost("/sessions/reap", body)
	if err != nil {
		return err
	}

	var result struct {
		Reaped        []map[string]interface{} `json:"reaped"`
		ReleasedLocks map[string][]string      `json:"released_locks"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Reaped %d sessions\n", len(result.Reaped))
	for agent, keys := range result.ReleasedLocks {
		fmt.Printf("  %s: released %v\n", agent, keys)
	}
	return nil
}
