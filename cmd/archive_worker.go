/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/exchange-core/internal/bootstrap"
	"github.com/spf13/cobra"
)

// archiveWorkerCmd represents the archive-worker command
var archiveWorkerCmd = &cobra.Command{
	Use:   "archive-worker",
	Short: "Start the order event archive worker",
	Long: `The archive worker consumes the durable order event feed from
JetStream and lands every lifecycle event and balance change in Postgres for
audit and analysis. It can run separately from the engine and scale out via
the queue group.`,
	Run: bootstrap.StartArchiveWorker,
}

func init() {
	rootCmd.AddCommand(archiveWorkerCmd)
}
