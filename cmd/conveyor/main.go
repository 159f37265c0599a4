package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/conveyor/cmd/conveyor/commands"
	"github.com/teranos/conveyor/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor - durable, rate-limited, cancellable job queues",
	Long: `conveyor - durable job queue infrastructure.

Multiple named queues coexist; each pairs a storage backend with a rate
limiter and a concurrency policy. Jobs carry a typed input, a fingerprint
for idempotent result lookup, and a lifecycle with retries, backoff and
cooperative abort.

Available commands:
  queue   - Manage job queues (daemon, status, abort, cleanup)
  version - Show build information

Examples:
  conveyor queue start         # Run configured queues in foreground
  conveyor queue status        # Per-queue job counts
  conveyor queue abort JB123   # Abort a job`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs")

	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
