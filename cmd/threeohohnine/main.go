package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// A missing .env file is not an error; Load never overrides
	// variables already set in the environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "threeohohnine",
		Usage:   "Stablecoin batch settlement service CLI",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Description: `A command-line tool for operating and debugging the threeohohnine service.

Use this CLI to submit and track settlement batches, build and verify transfer
authorizations, inspect database state, and manage the reconciliation schedule.`,
		Flags: globalFlags(),
		Commands: []*cli.Command{
			batchCommands(),
			authCommands(),
			quoteCommand(),
			paymentRequestCommand(),
			dbCommands(),
			temporalCommands(),
			natsCommands(),
			sseCommands(),
			serverCommands(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// globalFlags are shared by every subcommand. Values come from the
// environment by default so the CLI works unconfigured against a local
// stack.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal frontend address (host:port)",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "Settlement server base URL",
			EnvVars: []string{"SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			EnvVars: []string{"NATS_URL"},
			Value:   "nats://localhost:4222",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output as JSON",
		},
	}
}
