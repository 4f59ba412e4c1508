package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsCommands() *cli.Command {
	return &cli.Command{
		Name:  "nats",
		Usage: "NATS settlement streaming commands",
		Subcommands: []*cli.Command{
			subscribeCommand(),
			inspectStreamCommand(),
		},
	}
}

// subscribeCommand subscribes to settlement events for a batch.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to settlement events",
		ArgsUsage: "[batch_id]",
		Description: `Subscribe to real-time settlement events published to NATS JetStream.

Events for a batch are published to the subject settlements.{batch_id};
reconciliation sweep reports go to settlements.reconciliation. Without a
batch ID this subscribes to all settlement subjects.

With --must-jq, only events for which every filter is truthy are shown:

  threeohohnine nats subscribe --must-jq '.type == "item_failed"'

Example:
  threeohohnine nats subscribe batch_0123456789abcdef0123456789abcdef --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "threeohohnine-cli",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter an event must satisfy to be shown (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return streamSettlements(ctx, streamOptions{
				batchID:      c.Args().First(),
				natsURL:      c.String("nats-url"),
				durable:      c.Bool("durable"),
				consumerName: c.String("consumer-name"),
				jsonOutput:   c.Bool("json"),
				filters:      filters,
			})
		},
	}
}

func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

type streamOptions struct {
	batchID      string
	natsURL      string
	durable      bool
	consumerName string
	jsonOutput   bool
	filters      []*gojq.Code
}

// streamSettlements consumes settlement events until ctx is cancelled.
// Events that fail any filter are acked and skipped without being counted.
func streamSettlements(ctx context.Context, opts streamOptions) error {
	nc, err := nats.Connect(opts.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := natspkg.StreamSubjects
	if opts.batchID != "" {
		subject = fmt.Sprintf("settlements.%s", opts.batchID)
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	// A durable consumer resumes from its last acked position on restart.
	if opts.durable {
		cfg.Name = opts.consumerName
		cfg.Durable = opts.consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !opts.jsonOutput {
		fmt.Fprintf(os.Stderr, "✓ Subscribed to: %s\n", subject)
		fmt.Fprintf(os.Stderr, "  NATS: %s\n", opts.natsURL)
		if opts.durable {
			fmt.Fprintf(os.Stderr, "  Consumer: %s (durable)\n", opts.consumerName)
		}
		fmt.Fprintf(os.Stderr, "\nWaiting for settlement events... (Ctrl-C to exit)\n\n")
	}

	msgs := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			if !opts.jsonOutput {
				fmt.Fprintf(os.Stderr, "\n✓ Received %d events\n", count)
			}
			return nil

		case msg := <-msgs:
			var event natspkg.SettlementEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !opts.jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			if len(opts.filters) > 0 && !eventMatchesFilters(msg.Data(), opts.filters) {
				msg.Ack()
				continue
			}

			count++
			if opts.jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Event #%d\n", count)
				fmt.Printf("─────────────────────────────────────────────────────\n")
				printSettlementEvent(event)
			}
			msg.Ack()
		}
	}
}

// inspectStreamCommand shows configuration and state of the settlements stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the SETTLEMENTS JetStream stream",
		Description: `Show the SETTLEMENTS stream configuration and state: subjects,
retention, message and byte counts, sequence range, and consumer count.

Example:
  threeohohnine nats inspect-stream`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
		},
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			if info.Config.Description != "" {
				fmt.Printf("Description: %s\n", info.Config.Description)
			}
			fmt.Printf("Subjects:    %v\n", info.Config.Subjects)
			fmt.Printf("Storage:     %s\n", info.Config.Storage)
			fmt.Printf("Retention:   %s\n", info.Config.MaxAge)
			fmt.Printf("Messages:    %d (%d bytes)\n", info.State.Msgs, info.State.Bytes)
			fmt.Printf("Sequences:   %d-%d\n", info.State.FirstSeq, info.State.LastSeq)
			fmt.Printf("Consumers:   %d\n", info.State.Consumers)
			return nil
		},
	}
}

// eventMatchesFilters reports whether the event JSON satisfies every filter.
// No result, a filter error, and a falsy result all count as non-matches.
func eventMatchesFilters(data []byte, filters []*gojq.Code) bool {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// printSettlementEvent prints one settlement event in human-friendly form.
// Item events, batch rollups, and sweep reports carry different fields.
func printSettlementEvent(event natspkg.SettlementEvent) {
	fmt.Printf("Type:         %s\n", event.Type)
	if event.BatchID != "" {
		fmt.Printf("Batch:        %s\n", event.BatchID)
	}

	if event.ItemID != "" {
		fmt.Printf("Item:         %s\n", event.ItemID)
		fmt.Printf("Recipient:    %s\n", event.Recipient)
		fmt.Printf("Amount:       %s %s\n", event.Amount, event.Token)
		fmt.Printf("Chain:        %d\n", event.ChainID)
		if event.Route != "" {
			fmt.Printf("Route:        %s\n", event.Route)
		}
		if event.Fee != "" {
			fmt.Printf("Fee:          %s\n", event.Fee)
		}
		if event.TxHash != "" {
			fmt.Printf("Tx Hash:      %s\n", event.TxHash)
		}
		if event.ErrorMessage != "" {
			fmt.Printf("Error:        %s\n", event.ErrorMessage)
		}
		if event.RetryCount > 0 {
			fmt.Printf("Retries:      %d\n", event.RetryCount)
		}
	}

	if event.Status != "" {
		fmt.Printf("Status:       %s\n", event.Status)
	}
	if event.Type == natspkg.EventBatchCompleted || event.Type == natspkg.EventBatchFailed {
		fmt.Printf("Succeeded:    %d\n", event.SuccessCount)
		fmt.Printf("Failed:       %d\n", event.FailureCount)
	}

	if event.Reconciliation != nil {
		fmt.Printf("Matched:      %d\n", event.Reconciliation.Matched)
		fmt.Printf("Mismatched:   %d\n", event.Reconciliation.Mismatched)
		fmt.Printf("Missing:      %d\n", event.Reconciliation.MissingOnchain)
	}

	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}
