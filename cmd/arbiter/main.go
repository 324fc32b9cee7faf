package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter - agent coordination engine",
	Long:  `Arbiter coordinates concurrent AI agents with leased resource locks, a dependency-aware work queue, guardrails, policy checks, and an audit trail.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr  string
	apiToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7431", "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("ARBITER_TOKEN"), "API bearer token")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
