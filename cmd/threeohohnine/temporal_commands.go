package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	temporalpkg "github.com/brojonat/threeohohnine/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func temporalCommands() *cli.Command {
	return &cli.Command{
		Name:  "temporal",
		Usage: "Temporal inspection and management commands",
		Subcommands: []*cli.Command{
			listSchedulesCommand(),
			describeScheduleCommand(),
			pauseScheduleCommand(),
			resumeScheduleCommand(),
			deleteScheduleCommand(),
			ensureScheduleCommand(),
			runSweepCommand(),
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List all Temporal schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			iter, err := tc.ScheduleClient().List(c.Context, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID")
			count := 0
			for iter.HasNext() {
				entry, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				fmt.Fprintln(w, entry.ID)
				count++
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", count)
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a Temporal schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "<schedule-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}
			scheduleID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			handle := tc.ScheduleClient().GetHandle(c.Context, scheduleID)
			desc, err := handle.Describe(c.Context)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Printf("Schedule: %s\n", scheduleID)
			fmt.Printf("  Paused: %v\n", desc.Schedule.State.Paused)
			if desc.Schedule.State.Note != "" {
				fmt.Printf("  Note:   %s\n", desc.Schedule.State.Note)
			}

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Printf("\nAction:\n")
				fmt.Printf("  Workflow:   %s\n", wa.Workflow)
				fmt.Printf("  Task Queue: %s\n", wa.TaskQueue)
				fmt.Printf("  Args:       %v\n", wa.Args)
			}

			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Printf("\nInterval %d: every %v\n", i+1, interval.Every)
			}

			if n := len(desc.Info.RecentActions); n > 0 {
				last := desc.Info.RecentActions[n-1]
				fmt.Printf("\nRecent actions: %d (last at %s)\n", n, last.ActualTime.Format(time.RFC3339))
			} else {
				fmt.Printf("\nRecent actions: 0\n")
			}
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note recorded on the schedule state",
				Value: "Paused via threeohohnine CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return setSchedulePaused(c, true)
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note recorded on the schedule state",
				Value: "Resumed via threeohohnine CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return setSchedulePaused(c, false)
		},
	}
}

// setSchedulePaused pauses or resumes the schedule named by the first
// argument, stamping the note from the --note flag.
func setSchedulePaused(c *cli.Context, pause bool) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: schedule ID")
	}
	scheduleID := c.Args().First()
	note := c.String("note")

	tc, err := getTemporalClient(c)
	if err != nil {
		return err
	}
	defer tc.Close()

	handle := tc.ScheduleClient().GetHandle(c.Context, scheduleID)
	if pause {
		if err := handle.Pause(c.Context, client.SchedulePauseOptions{Note: note}); err != nil {
			return fmt.Errorf("failed to pause schedule: %w", err)
		}
		fmt.Printf("✓ Schedule paused: %s\n", scheduleID)
	} else {
		if err := handle.Unpause(c.Context, client.ScheduleUnpauseOptions{Note: note}); err != nil {
			return fmt.Errorf("failed to resume schedule: %w", err)
		}
		fmt.Printf("✓ Schedule resumed: %s\n", scheduleID)
	}
	if note != "" {
		fmt.Printf("  Note: %s\n", note)
	}
	return nil
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a Temporal schedule (use for orphaned schedules)",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}
			scheduleID := c.Args().First()

			if !c.Bool("force") {
				fmt.Printf("Delete schedule %s? (yes/no): ", scheduleID)
				var answer string
				fmt.Scanln(&answer)
				if answer != "yes" {
					fmt.Println("Aborted")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			handle := tc.ScheduleClient().GetHandle(c.Context, scheduleID)
			if err := handle.Delete(c.Context); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ Schedule deleted: %s\n", scheduleID)
			return nil
		},
	}
}

func ensureScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "ensure-schedule",
		Usage: "Create or update the reconciliation sweep schedule",
		Description: `Ensure the "reconcile-sweep" schedule exists with the given interval and
lookback. Creates the schedule when missing and updates it in place when the
parameters changed. The server does this on startup; use this command to
adjust a running deployment without a restart.

Example:
  threeohohnine temporal ensure-schedule --interval 15m --lookback 24h`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often the sweep runs",
				Value:   15 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "lookback",
				Usage: "How far back each sweep audits settled items",
				Value: 24 * time.Hour,
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Task queue name",
				Value:   getEnvOrDefault("TEMPORAL_TASK_QUEUE", "threeohohnine-reconcile"),
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			lookback := c.Duration("lookback")
			taskQueue := c.String("task-queue")

			host := c.String("temporal-host")
			if host == "" {
				host = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
			}
			namespace := c.String("temporal-namespace")
			if namespace == "" {
				namespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			tc, err := temporalpkg.NewClient(host, namespace, taskQueue, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to Temporal: %w", err)
			}
			defer tc.Close()

			if err := tc.EnsureReconcileSchedule(c.Context, interval, lookback); err != nil {
				return fmt.Errorf("failed to ensure schedule: %w", err)
			}

			fmt.Printf("✓ Reconcile schedule ensured\n")
			fmt.Printf("  Interval:   %v\n", interval)
			fmt.Printf("  Lookback:   %v\n", lookback)
			fmt.Printf("  Task Queue: %s\n", taskQueue)
			return nil
		},
	}
}

func runSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-sweep",
		Usage: "Run a reconciliation sweep immediately",
		Description: `Start one ReconcileSweepWorkflow execution outside the schedule and wait
for its result. A worker must be listening on the task queue.

Exits non-zero when the sweep finds mismatched or missing settlements, so
this can gate deploy and audit scripts.

Example:
  threeohohnine temporal run-sweep --lookback 1h`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "lookback",
				Usage: "How far back the sweep audits settled items",
				Value: 24 * time.Hour,
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Task queue name",
				Value:   getEnvOrDefault("TEMPORAL_TASK_QUEUE", "threeohohnine-reconcile"),
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait for the sweep to finish",
				Value:   10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			opts := client.StartWorkflowOptions{
				ID:        fmt.Sprintf("reconcile-sweep-manual-%d", time.Now().Unix()),
				TaskQueue: c.String("task-queue"),
			}
			input := temporalpkg.ReconcileSweepInput{Lookback: c.Duration("lookback")}

			run, err := tc.ExecuteWorkflow(ctx, opts, "ReconcileSweepWorkflow", input)
			if err != nil {
				return fmt.Errorf("failed to start sweep: %w", err)
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Sweep started (workflow %s), waiting for result...\n", run.GetID())
			}

			var result temporalpkg.ReconcileSweepResult
			if err := run.Get(ctx, &result); err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			if c.Bool("json") {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else {
				fmt.Printf("✓ Sweep complete\n")
				fmt.Printf("  Sweep Time:      %s\n", result.SweepTime.Format(time.RFC3339))
				fmt.Printf("  Internal:        %d\n", result.InternalCount)
				fmt.Printf("  Onchain:         %d\n", result.OnchainCount)
				fmt.Printf("  Matched:         %d\n", result.Matched)
				fmt.Printf("  Mismatched:      %d\n", result.Mismatched)
				fmt.Printf("  Missing Onchain: %d\n", result.MissingOnchain)
			}

			if result.Mismatched > 0 || result.MissingOnchain > 0 {
				return fmt.Errorf("sweep found %d mismatched and %d missing settlements",
					result.Mismatched, result.MissingOnchain)
			}
			return nil
		},
	}
}

// getEnvOrDefault reads key from the environment, returning def when unset.
func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

// getTemporalClient dials Temporal using the global flags, falling back to
// the environment when a flag is empty.
func getTemporalClient(c *cli.Context) (client.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	}

	tc, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
