package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	downStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and coordination stats",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	healthResp, err := apiGet("/health")
	if err != nil {
		fmt.Println(downStyle.Render("● daemon unreachable"))
		return err
	}

	var health struct {
		Status        string `json:"status"`
		PolicyBackend string `json:"policy_backend"`
		UptimeSec     int    `json:"uptime_sec"`
		AuditPending  int    `json:"audit_pending"`
		AuditDropped  int64  `json:"audit_dropped"`
	}
	if err := json.Unmarshal(healthResp, &health); err != nil {
		return err
	}

	badge := okStyle.Render("● " + health.Status)
	if health.Status != "ok" {
		badge = warnStyle.Render("● " + health.Status)
	}
	fmt.Println(headerStyle.Render("Arbiter"), badge)
	fmt.Println(labelStyle.Render("Policy backend"), health.PolicyBackend)
	fmt.Println(labelStyle.Render("Uptime"), fmt.Sprintf("%ds", health.UptimeSec))
	fmt.Println(labelStyle.Render("Audit pending"), fmt.Sprintf("%d", health.AuditPending))
	if health.AuditDropped > 0 {
		fmt.Println(labelStyle.Render("Audit dropped"), warnStyle.Render(fmt.Sprintf("%d", health.AuditDropped)))
	}

	statsResp, err := apiGet("/stats")
	if err != nil {
		return err
	}

	var stats struct {
		TasksByStatus  map[string]int `json:"tasks_by_status"`
		ActiveLocks    int            `json:"active_locks"`
		ActiveSessions int            `json:"active_sessions"`
		Violations     int            `json:"violations"`
	}
	if err := json.Unmarshal(statsResp, &stats); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(labelStyle.Render("Active locks"), fmt.Sprintf("%d", stats.ActiveLocks))
	fmt.Println(labelStyle.Render("Sessions"), fmt.Sprintf("%d", stats.ActiveSessions))
	fmt.Println(labelStyle.Render("Violations"), fmt.Sprintf("%d", stats.Violations))
	for status, n := range stats.TasksByStatus {
		fmt.Println(labelStyle.Render("Tasks "+status), fmt.Sprintf("%d", n))
	}
	return nil
}
