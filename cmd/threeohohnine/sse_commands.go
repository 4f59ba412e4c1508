package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/urfave/cli/v2"
)

func sseCommands() *cli.Command {
	return &cli.Command{
		Name:  "sse",
		Usage: "Server-Sent Events (SSE) streaming commands",
		Subcommands: []*cli.Command{
			streamCommand(),
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream settlement events via SSE (HTTP)",
		ArgsUsage: "[batch_id]",
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
				Usage:   "Output settlement events as JSON (one per line)",
			},
		},
		Action: func(c *cli.Context) error {
			batchID := c.Args().First()
			jsonOutput := c.Bool("json")

			endpoint := c.String("server") + "/api/v1/stream/settlements"
			if batchID != "" {
				endpoint += "/" + batchID
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// Zero timeout: the stream stays open until interrupted.
			httpClient := &http.Client{Timeout: 0}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				scope := "all batches"
				if batchID != "" {
					scope = "batch " + batchID
				}
				fmt.Fprintf(os.Stderr, "Streaming settlement events for %s (Ctrl+C to stop)\n\n", scope)
			}

			err = pumpEventStream(resp.Body, jsonOutput)
			if ctx.Err() != nil {
				// Interrupted by the user, not a stream failure.
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "\nDisconnected\n")
				}
				return nil
			}
			return err
		},
	}
}

// pumpEventStream scans the SSE wire format off r and renders each complete
// event. Keepalive comments (lines starting with ":") match no prefix and
// fall through.
func pumpEventStream(r io.Reader, jsonOutput bool) error {
	var name, payload string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// A blank line terminates the event.
			if name != "" && payload != "" {
				if err := renderStreamEvent(name, payload, jsonOutput); err != nil {
					fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
				}
			}
			name, payload = "", ""
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

// renderStreamEvent prints one decoded SSE event. Unknown event names are
// skipped so the server can add types without breaking older CLIs.
func renderStreamEvent(name, payload string, jsonOutput bool) error {
	switch name {
	case "connected":
		if jsonOutput {
			return nil
		}
		var info map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			return err
		}
		if batch, ok := info["batch"].(string); ok {
			fmt.Fprintf(os.Stderr, "✓ Subscribed to: %s\n\n", batch)
		}
		return nil

	case "settlement":
		var event natspkg.SettlementEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Println(payload)
			return nil
		}
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		printSettlementEvent(event)
		return nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])
	}

	return nil
}
