package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/conveyor/am"
	"github.com/teranos/conveyor/logger"
	"github.com/teranos/conveyor/sym"
)

// QueueCmd manages the conveyor queue daemon and its jobs.
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: sym.Queue + " Manage job queues (daemon, status, abort)",
	Long: sym.Queue + ` Job queue daemon - durable, rate-limited, cancellable work.

Each configured queue pairs a storage backend (memory, sqlite, postgres or
badger) with a rate envelope and a concurrency cap. Jobs are self-contained
with task_type and input; applications register handlers before starting.

Example:
  conveyor queue start            # Run all configured queues in foreground
  conveyor queue status           # Per-queue job counts
  conveyor queue peek             # Next pending jobs in claim order
  conveyor queue abort <job-id>   # Abort one job
  conveyor queue abort-run <id>   # Abort every job in a run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// QueueStartCmd runs every configured queue until interrupted.
var QueueStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start all configured queues",
	Long: `Start every configured queue in foreground mode.

The daemon will:
- Recover jobs orphaned by a previous crash
- Run each queue's scheduling loop under its rate envelope
- Run until interrupted (Ctrl+C) with graceful shutdown
  (in-flight jobs observe the cancellation signal and re-queue)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		registry.StartQueues()

		fmt.Printf("%s Queues started\n", sym.Queue)
		for _, name := range registry.Names() {
			fmt.Printf("  %s\n", name)
		}
		fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Queue)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.Queue)
		registry.StopQueues()
		fmt.Printf("%s Queues stopped\n", sym.Queue)
		return nil
	},
}

// QueueStatusCmd prints per-queue job counts.
var QueueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-queue job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		for _, name := range registry.Names() {
			q, err := registry.GetQueue(name)
			if err != nil {
				return err
			}
			stats, err := q.Stats()
			if err != nil {
				return fmt.Errorf("failed to read stats for %s: %w", name, err)
			}
			fmt.Printf("%s %s: pending=%d processing=%d aborting=%d completed=%d failed=%d skipped=%d total=%d\n",
				sym.Queue, name,
				stats.Pending, stats.Processing, stats.Aborting,
				stats.Completed, stats.Failed, stats.Skipped, stats.Total)
		}
		return nil
	},
}

// QueueAbortCmd aborts a single job by id.
var QueueAbortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Abort a job",
	Long: `Abort a job by id.

A processing job transitions to aborting and its cancellation signal fires
if this process owns it; a pending job fails immediately. The abort registry
is process-local: a job claimed by another process must be aborted there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		q, job, err := findJobQueue(registry, args[0])
		if err != nil {
			return err
		}
		if err := q.Abort(job.ID); err != nil {
			return err
		}
		fmt.Printf("%s Abort issued for job %s (queue %s)\n", sym.Abort, job.ID, q.Name())
		return nil
	},
}

// QueueAbortRunCmd aborts every pending/processing job in a run.
var QueueAbortRunCmd = &cobra.Command{
	Use:   "abort-run <job-run-id>",
	Short: "Abort every job in a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		for _, name := range registry.Names() {
			q, err := registry.GetQueue(name)
			if err != nil {
				continue
			}
			if err := q.AbortJobRun(args[0]); err != nil {
				return err
			}
		}
		fmt.Printf("%s Abort issued for run %s\n", sym.Abort, args[0])
		return nil
	},
}

// QueuePeekCmd lists upcoming pending jobs without claiming them.
var QueuePeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "List the next pending jobs in claim order",
	Long: `List up to --limit pending jobs per queue, ordered the way the
scheduling loop will claim them (run_after, then created_at). Jobs are not
claimed or otherwise touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		for _, name := range registry.Names() {
			q, err := registry.GetQueue(name)
			if err != nil {
				continue
			}
			pending, err := q.Store().Peek(limit)
			if err != nil {
				return fmt.Errorf("failed to peek %s: %w", name, err)
			}
			fmt.Printf("%s %s: %d pending\n", sym.Queue, name, len(pending))
			for _, job := range pending {
				fmt.Printf("  %s  %-24s run_after=%s retries=%d/%d\n",
					job.ID, job.TaskType,
					job.RunAfter.Format(time.RFC3339), job.Retries, job.MaxRetries)
			}
		}
		return nil
	},
}

// QueueCleanupCmd removes old terminal jobs.
var QueueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, stores, err := buildRegistry(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		total := 0
		for _, name := range registry.Names() {
			q, err := registry.GetQueue(name)
			if err != nil {
				continue
			}
			removed, err := q.Store().Cleanup(olderThan)
			if err != nil {
				return fmt.Errorf("cleanup failed for %s: %w", name, err)
			}
			total += removed
		}
		fmt.Printf("%s Removed %d terminal job(s)\n", sym.Queue, total)
		return nil
	},
}

func init() {
	QueuePeekCmd.Flags().Int("limit", 10, "Maximum pending jobs to list per queue")
	QueueCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age threshold for terminal jobs")

	QueueCmd.AddCommand(QueueStartCmd)
	QueueCmd.AddCommand(QueueStatusCmd)
	QueueCmd.AddCommand(QueuePeekCmd)
	QueueCmd.AddCommand(QueueAbortCmd)
	QueueCmd.AddCommand(QueueAbortRunCmd)
	QueueCmd.AddCommand(QueueCleanupCmd)
}
