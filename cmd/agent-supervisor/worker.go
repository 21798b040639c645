package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-supervisor/internal/worker"
)

const workerCommand = "worker"

func init() {
	workerCmd := &cobra.Command{
		Use:    workerCommand,
		Short:  "Run one execution unit (started by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(worker.ServeProcess(cmd.Context(), os.Stdin, os.Stdout, registry()))
		},
	}
	rootCmd.AddCommand(workerCmd)
}
