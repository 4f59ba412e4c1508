package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/threeohohnine/client"
	"github.com/urfave/cli/v2"
)

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "quote",
		Usage:     "Quote the fee for a transfer without executing it",
		ArgsUsage: "TOKEN AMOUNT",
		Description: `Price a transfer through the server's routing policy. Amount is a decimal
string in smallest token units.

Example:
  threeohohnine quote USDC 1000000 --chain 8453`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.Uint64Flag{
				Name:  "chain",
				Usage: "Chain ID",
				Value: 8453,
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("token and amount are required")
			}

			token := c.Args().Get(0)
			amount := c.Args().Get(1)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			quote, err := cl.GetQuote(context.Background(), c.Uint64("chain"), token, amount)
			if err != nil {
				return fmt.Errorf("failed to get quote: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(quote, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("Quote for %s %s on chain %d:\n", quote.Amount, quote.Token, quote.ChainID)
				fmt.Printf("  Route: %s\n", quote.Route)
				fmt.Printf("  Fee:   %s\n", quote.Fee)
				fmt.Printf("  Total: %s\n", quote.Total)
			}

			return nil
		},
	}
}

func paymentRequestCommand() *cli.Command {
	return &cli.Command{
		Name:      "payment-request",
		Aliases:   []string{"pr"},
		Usage:     "Create an inbound payment request (EIP-681 URL plus QR code)",
		ArgsUsage: "RECIPIENT AMOUNT",
		Description: `Create a payment request a payer's wallet can fulfil by scanning the QR
code or opening the payment URL. Amount is a decimal string in smallest token
units; the QR code is in the JSON output as base64-encoded PNG.

Example:
  threeohohnine payment-request 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed 2500000 --memo "invoice 42"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token symbol",
				Value: "USDC",
			},
			&cli.Uint64Flag{
				Name:  "chain",
				Usage: "Chain ID",
				Value: 8453,
			},
			&cli.StringFlag{
				Name:    "memo",
				Aliases: []string{"m"},
				Usage:   "Memo attached to the request",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON (includes the QR code)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("recipient and amount are required")
			}

			recipient := c.Args().Get(0)
			amount := c.Args().Get(1)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			request, err := cl.CreatePaymentRequest(context.Background(), recipient, amount, c.String("token"), c.Uint64("chain"), c.String("memo"))
			if err != nil {
				return fmt.Errorf("failed to create payment request: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(request, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Payment request created\n")
				fmt.Printf("  ID:          %s\n", request.ID)
				fmt.Printf("  Recipient:   %s\n", request.Recipient)
				fmt.Printf("  Amount:      %s %s\n", request.AmountDisplay, request.Token)
				fmt.Printf("  Chain:       %d\n", request.ChainID)
				if request.Memo != "" {
					fmt.Printf("  Memo:        %s\n", request.Memo)
				}
				fmt.Printf("  Expires:     %s\n", request.ExpiresAt.Format(time.RFC3339))
				fmt.Printf("  Payment URL: %s\n", request.PaymentURL)
				fmt.Printf("\nUse --json for the QR code (base64 PNG).\n")
			}

			return nil
		},
	}
}
