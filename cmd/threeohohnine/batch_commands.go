package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/threeohohnine/client"
	"github.com/urfave/cli/v2"
)

func batchCommands() *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "Batch submission and tracking commands",
		Subcommands: []*cli.Command{
			batchSubmitCommand(),
			batchGetCommand(),
			batchListCommand(),
			batchCancelCommand(),
			batchAwaitCommand(),
			batchReconcileCommand(),
		},
	}
}

func batchSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a settlement batch from an items file",
		ArgsUsage: "ITEMS_FILE",
		Description: `Submit a batch of transfers for settlement. The items file is a JSON array:

  [{"recipient": "0x...", "amount": "1000000", "token": "USDC", "chain_id": 8453}]

Amounts are decimal strings in smallest token units. Use "-" to read from stdin.

Example:
  threeohohnine batch submit --sender 0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045 items.json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Sender address funding the batch",
			},
			&cli.BoolFlag{
				Name:  "multisig",
				Usage: "Require multisig execution for this batch",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Batch priority (normal, high)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("items file is required")
			}

			sender := c.String("sender")
			if sender == "" {
				return fmt.Errorf("sender is required (use --sender)")
			}

			items, err := readItemsFile(c.Args().Get(0))
			if err != nil {
				return err
			}

			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			var opts *client.BatchOptions
			if c.Bool("multisig") || c.String("priority") != "" {
				opts = &client.BatchOptions{
					UseMultisig: c.Bool("multisig"),
					Priority:    c.String("priority"),
				}
			}

			submission, err := cl.SubmitBatch(context.Background(), sender, items, opts)
			if err != nil {
				return fmt.Errorf("failed to submit batch: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(submission, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Batch submitted\n")
				fmt.Printf("  Batch ID:   %s\n", submission.BatchID)
				fmt.Printf("  Status:     %s\n", submission.Status)
				fmt.Printf("  Items:      %d\n", submission.TotalCount)
				fmt.Printf("  Status URL: %s\n", submission.StatusURL)
				for _, warning := range submission.Warnings {
					fmt.Printf("  ⚠ %s\n", warning)
				}
			}

			return nil
		},
	}
}

func batchGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show", "status"},
		Usage:     "Get batch status with per-item results",
		ArgsUsage: "BATCH_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("batch ID is required")
			}

			batchID := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			status, err := cl.GetBatch(context.Background(), batchID)
			if err != nil {
				return fmt.Errorf("failed to get batch: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(data))
			} else {
				printBatchDetailed(status)
			}

			return nil
		},
	}
}

func batchListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List batches (outputs JSON by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of batches to retrieve (1-1000)",
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Value:   0,
				Usage:   "Number of batches to skip",
			},
			&cli.BoolFlag{
				Name:    "table",
				Aliases: []string{"t"},
				Usage:   "Output as human-readable table instead of JSON",
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server")
			limit := c.Int("limit")
			offset := c.Int("offset")
			tableOutput := c.Bool("table")

			if limit < 1 || limit > 1000 {
				return fmt.Errorf("limit must be between 1 and 1000")
			}
			if offset < 0 {
				return fmt.Errorf("offset cannot be negative")
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			batches, err := cl.ListBatches(context.Background(), limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}

			// JSON is the default here; --table opts into the pretty listing.
			if !tableOutput {
				data, _ := json.MarshalIndent(batches, "", "  ")
				fmt.Println(string(data))
			} else {
				if len(batches) == 0 {
					fmt.Println("No batches found")
					return nil
				}

				fmt.Printf("Found %d batch(es):\n\n", len(batches))
				for _, b := range batches {
					fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
					fmt.Printf("Batch ID:  %s\n", b.BatchID)
					fmt.Printf("Sender:    %s\n", b.Sender)
					fmt.Printf("Status:    %s\n", b.Status)
					fmt.Printf("Items:     %d\n", b.TotalCount)
					if b.Priority != "" {
						fmt.Printf("Priority:  %s\n", b.Priority)
					}
					if b.UseMultisig {
						fmt.Printf("Multisig:  yes\n")
					}
					fmt.Printf("Created:   %s\n", b.CreatedAt.Format(time.RFC3339))
					fmt.Println()
				}
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			}

			return nil
		},
	}
}

func batchCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending batch",
		ArgsUsage: "BATCH_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("batch ID is required")
			}

			batchID := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			if err := cl.CancelBatch(context.Background(), batchID); err != nil {
				return fmt.Errorf("failed to cancel batch: %w", err)
			}

			if jsonOutput {
				data, _ := json.Marshal(map[string]interface{}{
					"batch_id": batchID,
					"status":   "cancelled",
				})
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Batch cancelled\n")
				fmt.Printf("  Batch ID: %s\n", batchID)
			}

			return nil
		},
	}
}

func batchAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a batch finishes executing",
		ArgsUsage: "BATCH_ID",
		Description: `Poll a batch until it reaches a terminal status (completed, failed, or
cancelled), then print the final state.

With --must-jq, each filter is evaluated against the final batch status JSON
and all must be truthy or the command fails. Useful for scripted assertions:

  threeohohnine batch await batch_123 --must-jq '.status == "completed"' \
    --must-jq '.failure_count == 0'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   2 * time.Second,
				Usage:   "How often to poll the batch status",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the batch to finish",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter that must evaluate to true against the final batch status (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output final batch status as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("batch ID is required")
			}

			batchID := c.Args().Get(0)
			serverURL := c.String("server")
			interval := c.Duration("interval")
			timeout := c.Duration("timeout")
			jqFilters := c.StringSlice("must-jq")
			jsonOutput := c.Bool("json")

			compiledJQFilters, err := compileJQFilters(jqFilters)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))
			cl := client.NewClient(serverURL, nil, logger)

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Waiting for batch %s to finish...\n", batchID)
				for _, filter := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", filter)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", timeout)
			}

			// Block until the batch reaches a terminal status
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			status, err := cl.Await(ctx, batchID, interval)
			if err != nil {
				return fmt.Errorf("failed to await batch: %w", err)
			}

			// Evaluate jq filters against the final status (all must be truthy)
			if len(compiledJQFilters) > 0 {
				data, err := json.Marshal(status)
				if err != nil {
					return fmt.Errorf("failed to marshal batch status: %w", err)
				}
				var statusJSON interface{}
				if err := json.Unmarshal(data, &statusJSON); err != nil {
					return fmt.Errorf("failed to parse batch status: %w", err)
				}

				for i, code := range compiledJQFilters {
					iter := code.Run(statusJSON)
					v, ok := iter.Next()
					if !ok {
						return fmt.Errorf("batch %s did not satisfy filter %q (no result)", batchID, jqFilters[i])
					}
					if err, isErr := v.(error); isErr {
						return fmt.Errorf("filter %q failed: %w", jqFilters[i], err)
					}
					if !isTruthy(v) {
						return fmt.Errorf("batch %s did not satisfy filter %q", batchID, jqFilters[i])
					}
				}
			}

			// Output final status
			if jsonOutput {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal batch status: %w", err)
				}
				fmt.Println(string(data))
			} else {
				printBatchDetailed(status)
			}

			return nil
		},
	}
}

// isTruthy applies jq truthiness to a filter result: only false and
// null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func batchReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Reconcile a completed batch against external records",
		ArgsUsage: "BATCH_ID RECORDS_FILE",
		Description: `Audit a batch's settled items against externally observed records. The
records file is a JSON array:

  [{"tx_hash": "0x...", "amount": "1000000"}]

Use "-" to read from stdin. Each settled item is matched by transaction hash
and its amount compared within the server's configured tolerance.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("batch ID and records file are required")
			}

			batchID := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			data, err := readFileOrStdin(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to read records file: %w", err)
			}

			var records []client.ExternalRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("failed to parse records file: %w", err)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			report, err := cl.ReconcileBatch(context.Background(), batchID, records)
			if err != nil {
				return fmt.Errorf("failed to reconcile batch: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(report, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				fmt.Printf("Reconciliation Report: %s\n", report.BatchID)
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				for _, record := range report.Records {
					marker := "✓"
					if record.Status != "matched" {
						marker = "✗"
					}
					fmt.Printf("%s %s\n", marker, record.Reference)
					fmt.Printf("  Internal: %s\n", record.InternalAmount)
					if record.ExternalAmount != nil {
						fmt.Printf("  External: %s\n", record.ExternalAmount)
					}
					fmt.Printf("  Status:   %s\n", record.Status)
				}
				fmt.Println()
				fmt.Printf("Matched:         %d\n", report.Summary.Matched)
				fmt.Printf("Mismatched:      %d\n", report.Summary.Mismatched)
				fmt.Printf("Missing Onchain: %d\n", report.Summary.MissingOnchain)
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			}

			if report.Summary.Mismatched > 0 || report.Summary.MissingOnchain > 0 {
				return fmt.Errorf("reconciliation found %d mismatched and %d missing records",
					report.Summary.Mismatched, report.Summary.MissingOnchain)
			}

			return nil
		},
	}
}

// readItemsFile reads and parses a batch items file. "-" reads from stdin.
func readItemsFile(path string) ([]client.BatchItem, error) {
	data, err := readFileOrStdin(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}

	var items []client.BatchItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse items file: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("items file is empty")
	}

	return items, nil
}

func readFileOrStdin(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printBatchDetailed(status *client.BatchStatus) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Batch %s\n", status.BatchID)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Status:    %s\n", status.Status)
	fmt.Printf("Total:     %d\n", status.TotalCount)
	fmt.Printf("Succeeded: %d\n", status.SuccessCount)
	fmt.Printf("Failed:    %d\n", status.FailureCount)
	fmt.Printf("Pending:   %d\n", status.PendingCount)

	for _, item := range status.Items {
		fmt.Println()
		fmt.Printf("[%d] %s\n", item.Index, item.Recipient)
		fmt.Printf("    Status:  %s\n", item.Status)
		fmt.Printf("    Route:   %s\n", item.Route)
		if item.Fee != nil {
			fmt.Printf("    Fee:     %s\n", item.Fee)
		}
		if item.TxHash != "" {
			fmt.Printf("    Tx Hash: %s\n", item.TxHash)
		}
		if item.Error != "" {
			fmt.Printf("    Error:   %s\n", item.Error)
		}
		if item.RetryCount > 0 {
			fmt.Printf("    Retries: %d\n", item.RetryCount)
		}
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
