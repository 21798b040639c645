package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agent-supervisor",
		Short: "Agent Supervisor - runs agent tasks in isolated, supervised workers",
		Long: `Agent Supervisor runs agent tasks in isolated worker processes.
It keeps a bounded pool of workers, queues the rest in order, enforces
a timeout and memory limits per worker, and records every session in
a SQLite ledger.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
