package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/threeohohnine/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func dbCommands() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database inspection commands",
		Subcommands: []*cli.Command{
			listBatchesCommand(),
			getBatchCommand(),
			listItemsCommand(),
			listNoncesCommand(),
			initSchemaCommand(),
		},
	}
}

func listBatchesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-batches",
		Usage:   "List stored batches",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, processing, completed, failed, cancelled)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of batches",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of batches to skip",
				Value: 0,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var batches []*db.Batch
			if status := c.String("status"); status != "" {
				batches, err = store.ListBatchesByStatus(context.Background(), db.BatchStatus(status))
			} else {
				batches, err = store.ListBatches(context.Background(), c.Int("limit"), c.Int("offset"))
			}
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(batches)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSENDER\tSTATUS\tITEMS\tPRIORITY\tCREATED")
			for _, batch := range batches {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					batch.ID,
					batch.Sender,
					batch.Status,
					batch.TotalCount,
					batch.Priority,
					batch.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d batches\n", len(batches))
			return nil
		},
	}
}

func getBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-batch",
		Usage:     "Get batch details with its items",
		Aliases:   []string{"get"},
		ArgsUsage: "<batch-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: batch ID")
			}

			batchID := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			batch, err := store.GetBatch(context.Background(), batchID)
			if err != nil {
				return fmt.Errorf("failed to get batch: %w", err)
			}

			items, err := store.GetBatchItems(context.Background(), batchID)
			if err != nil {
				return fmt.Errorf("failed to get batch items: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"batch": batch,
					"items": items,
				})
			}

			fmt.Printf("Batch ID:  %s\n", batch.ID)
			fmt.Printf("Sender:    %s\n", batch.Sender)
			fmt.Printf("Status:    %s\n", batch.Status)
			fmt.Printf("Items:     %d\n", batch.TotalCount)
			fmt.Printf("Priority:  %s\n", batch.Priority)
			fmt.Printf("Multisig:  %v\n", batch.UseMultisig)
			fmt.Printf("Created:   %s\n", batch.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:   %s\n", batch.UpdatedAt.Format(time.RFC3339))
			fmt.Println()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tRECIPIENT\tAMOUNT\tTOKEN\tCHAIN\tSTATUS\tTX HASH")
			for _, item := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					item.Idx,
					item.Recipient,
					item.Amount,
					item.Token,
					item.ChainID,
					item.Status,
					formatOptionalHash(item.TxHash),
				)
			}
			w.Flush()

			return nil
		},
	}
}

func listItemsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-items",
		Usage:     "List items for a batch",
		Aliases:   []string{"items"},
		ArgsUsage: "<batch-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, processing, completed, failed)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: batch ID")
			}

			batchID := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			items, err := store.GetBatchItems(context.Background(), batchID)
			if err != nil {
				return fmt.Errorf("failed to get batch items: %w", err)
			}

			statusFilter := c.String("status")
			if statusFilter != "" {
				filtered := make([]*db.BatchItem, 0)
				for _, item := range items {
					if string(item.Status) == statusFilter {
						filtered = append(filtered, item)
					}
				}
				items = filtered
			}

			if c.Bool("json") {
				return outputJSON(items)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tRECIPIENT\tAMOUNT\tTOKEN\tCHAIN\tSTATUS\tROUTE\tRETRIES\tTX HASH")
			for _, item := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
					item.Idx,
					item.Recipient,
					item.Amount,
					item.Token,
					item.ChainID,
					item.Status,
					item.Route,
					item.RetryCount,
					formatOptionalHash(item.TxHash),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d items\n", len(items))
			return nil
		},
	}
}

func listNoncesCommand() *cli.Command {
	return &cli.Command{
		Name:  "nonces",
		Usage: "Show nonce allocation state per payer/token/chain",
		Description: `Show every (payer, token, chain) nonce counter with the next nonce to be
handed out and how many reserved nonces settled. A gap between the two means
reserved nonces whose items never completed.`,
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counters, err := store.ListNonceCounters(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list nonce counters: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counters)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PAYER\tTOKEN\tCHAIN\tNEXT NONCE\tUSED")
			for _, counter := range counters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					counter.Payer,
					counter.Token,
					counter.ChainID,
					counter.NextNonce,
					counter.UsedCount,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d nonce counters\n", len(counters))
			return nil
		},
	}
}

func initSchemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Apply the settlement schema",
		Description: `Apply the settlement schema (batches, batch_items, nonce_counters,
used_nonces). Statements are idempotent, so running this against an
already-migrated database is a no-op.`,
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if _, err := store.Pool().Exec(context.Background(), db.Schema); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}

			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

// getStore opens a pooled connection using the database-url flag, falling
// back to DATABASE_URL. The returned closer releases the pool.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatOptionalHash renders a nullable tx hash for table output.
func formatOptionalHash(hash *string) string {
	if hash != nil && *hash != "" {
		return *hash
	}
	return "(none)"
}
