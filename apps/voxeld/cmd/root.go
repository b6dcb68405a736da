package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voxeld",
	Short: "voxelbench pipeline daemon",
	Long: `voxeld runs the voxelbench generation pipeline. Each subcommand starts
one role: the API serves run creation and status, workers consume stage
queues, and the scheduler reconciles retries, stalled attempts, and
orphaned sandboxes.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
