package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

func serverCommands() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Server utility commands",
		Subcommands: []*cli.Command{
			healthCommand(),
			versionCommand(),
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Probe the server health endpoint",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL or pass --server-url)")
			}

			req, err := http.NewRequestWithContext(c.Context, http.MethodGet, serverURL+"/health", nil)
			if err != nil {
				return fmt.Errorf("failed to build health request: %w", err)
			}

			httpClient := &http.Client{Timeout: c.Duration("timeout")}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}

			fmt.Printf("✓ Server healthy\n")
			fmt.Printf("  URL:    %s\n", serverURL)
			fmt.Printf("  Status: %d\n", resp.StatusCode)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show build version information",
		Action: func(c *cli.Context) error {
			if c.Bool("json") {
				return outputJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"built":   date,
				})
			}
			fmt.Printf("threeohohnine %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
			return nil
		},
	}
}
