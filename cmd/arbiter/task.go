package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the work queue",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next eligible task",
	RunE:  runTaskClaim,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Complete a claimed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a pending or claimed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var (
	taskType     string
	taskDesc     string
	taskInput    string
	taskPriority int
	taskDeps     string
	taskStatus   string
	taskAgent    string
	taskTypes    string
	taskResult   string
	taskErrMsg   string
	taskFailed   bool
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskClaimCmd, taskCompleteCmd, taskCancelCmd)

	taskSubmitCmd.Flags().StringVar(&taskType, "type", "", "Task type (required)")
	taskSubmitCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskSubmitCmd.Flags().StringVar(&taskInput, "input", "", "Task input payload")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", 5, "Priority 1 (urgent) to 10")
	taskSubmitCmd.Flags().StringVar(&taskDeps, "deps", "", "Comma-separated dependency task IDs")
	taskSubmitCmd.MarkFlagRequired("type")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, claimed, completed, failed, cancelled)")
	taskListCmd.Flags().StringVar(&taskType, "type", "", "Filter by task type")

	hostname, _ := os.Hostname()
	defaultAgent := fmt.Sprintf("cli@%s", hostname)

	taskClaimCmd.Flags().StringVar(&taskAgent, "agent", defaultAgent, "Claiming agent ID")
	taskClaimCmd.Flags().StringVar(&taskTypes, "types", "", "Comma-separated accepted task types")

	taskCompleteCmd.Flags().StringVar(&taskAgent, "agent", defaultAgent, "Claimant agent ID")
	taskCompleteCmd.Flags().StringVar(&taskResult, "result", "", "Result payload")
	taskCompleteCmd.Flags().BoolVar(&taskFailed, "failed", false, "Report the attempt as failed")
	taskCompleteCmd.Flags().StringVar(&taskErrMsg, "error", "", "Error message for a failed attempt")

	taskCancelCmd.Flags().StringVar(&taskAgent, "agent", defaultAgent, "Requesting agent ID")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	hostname, _ := os.Hostname()
	body := map[string]interface{}{
		"type":           taskType,
		"description":    taskDesc,
		"input":          taskInput,
		"priority":       taskPriority,
		"dependency_ids": splitCSV(taskDeps),
		"submitter":      fmt.Sprintf("cli@%s", hostname),
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Submitted task: %s\n", task["id"])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/tasks"
	sep := "?"
	if taskStatus != "" {
		url += sep + "status=" + taskStatus
		sep = "&"
	}
	if taskType != "" {
		url += sep + "type=" + taskType
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tCLAIMANT")
	for _, t := range tasks {
		id := truncateID(fmt.Sprintf("%v", t["id"]))
		claimedBy := ""
		if cb, ok := t["claimant"].(string); ok {
			claimedBy = cb
		}
		fmt.Fprintf(w, "%s\t%v\t%.0f\t%v\t%s\n", id, t["type"], t["priority"], t["status"], claimedBy)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %v\n", task["id"])
	fmt.Printf("Type:        %v\n", task["type"])
	fmt.Printf("Status:      %v\n", task["status"])
	fmt.Printf("Priority:    %v\n", task["priority"])
	if cb, ok := task["claimant"].(string); ok && cb != "" {
		fmt.Printf("Claimant:    %s\n", cb)
	}
	if deps, ok := task["dependency_ids"].([]interface{}); ok && len(deps) > 0 {
		fmt.Printf("Depends On:  %v\n", deps)
	}
	if result, ok := task["result"].(string); ok && result != "" {
		fmt.Printf("Result:      %s\n", truncate(result, 200))
	}
	if taskErr, ok := task["error"].(string); ok && taskErr != "" {
		fmt.Printf("Error:       %s\n", taskErr)
	}
	fmt.Printf("Attempts:    %v/%v\n", task["attempt_count"], task["max_attempts"])
	fmt.Printf("Created:     %v\n", task["created_at"])
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"requester":      taskAgent,
		"accepted_types": splitCSV(taskTypes),
	}

	resp, err := apiPost("/tasks/claim", body)
	if err != nil {
		return err
	}

	var result struct {
		Task map[string]interface{} `json:"task"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if result.Task == nil {
		fmt.Println("No eligible tasks")
		return nil
	}
	fmt.Printf("Claimed task %v (%v)\n", result.Task["id"], result.Task["type"])
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"claimant": taskAgent,
		"success":  !taskFailed,
		"result":   taskResult,
		"error":    taskErrMsg,
	}

	resp, err := apiPost("/tasks/"+args[0]+"/complete", body)
	if err != nil {
		return err
	}

	var result struct {
		Requeued bool `json:"requeued"`
		Task     struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if result.Requeued {
		fmt.Printf("Task %s failed, requeued for retry\n", args[0])
	} else {
		fmt.Printf("Task %s is now %s\n", args[0], result.Task.Status)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	body := map[string]string{"requester": taskAgent}

	resp, err := apiPost("/tasks/"+args[0]+"/cancel", body)
	if err != nil {
		return err
	}

	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if result.Cancelled {
		fmt.Printf("Cancelled task %s\n", args[0])
	} else {
		fmt.Printf("Task %s was not cancellable\n", args[0])
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
