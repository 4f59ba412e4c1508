package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/threeohohnine/client"
	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"
)

func authCommands() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Transfer authorization commands",
		Subcommands: []*cli.Command{
			authBuildCommand(),
			authSignCommand(),
			authVerifyCommand(),
		},
	}
}

func authBuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Build an unsigned transfer authorization",
		Description: `Build a transfer authorization with a server-assigned nonce and validity
window. The response includes the typed-data hash the payer must sign:

  threeohohnine auth build --from 0x... --to 0x... --amount 1000000 --json > auth.json
  threeohohnine auth sign $(jq -r .typed_data_hash auth.json)`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "Payer address",
			},
			&cli.StringFlag{
				Name:  "to",
				Usage: "Recipient address",
			},
			&cli.StringFlag{
				Name:  "amount",
				Usage: "Amount as a decimal string in smallest token units",
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
			&cli.DurationFlag{
				Name:  "validity",
				Usage: "Validity window (0 uses the server default)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			from := c.String("from")
			to := c.String("to")
			amount := c.String("amount")
			if from == "" || to == "" || amount == "" {
				return fmt.Errorf("from, to, and amount are required")
			}

			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			built, err := cl.BuildAuthorization(context.Background(), client.BuildAuthorizationParams{
				From:           from,
				To:             to,
				Amount:         amount,
				Token:          c.String("token"),
				ChainID:        c.Uint64("chain"),
				ValidityWindow: c.Duration("validity"),
			})
			if err != nil {
				return fmt.Errorf("failed to build authorization: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(built, "", "  ")
				fmt.Println(string(data))
			} else {
				auth := built.Authorization
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				fmt.Println("✓ Authorization Built")
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				fmt.Printf("From:         %s\n", auth.From)
				fmt.Printf("To:           %s\n", auth.To)
				fmt.Printf("Value:        %s %s\n", auth.Value, auth.Token)
				fmt.Printf("Chain:        %d\n", auth.ChainID)
				fmt.Printf("Nonce:        %d\n", auth.Nonce)
				fmt.Printf("Valid After:  %s\n", time.Unix(auth.ValidAfter, 0).UTC().Format(time.RFC3339))
				fmt.Printf("Valid Before: %s\n", time.Unix(auth.ValidBefore, 0).UTC().Format(time.RFC3339))
				if auth.TokenContract != "" {
					fmt.Printf("Contract:     %s\n", auth.TokenContract)
				}
				fmt.Printf("\nTyped Data Hash: %s\n", built.TypedDataHash)
				fmt.Println("\nSign this hash with the payer key, then verify or submit it.")
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			}

			return nil
		},
	}
}

func authSignCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Sign a typed-data hash with a local key",
		ArgsUsage: "TYPED_DATA_HASH",
		Description: `Sign the typed-data hash of a built authorization with a local private
key. The key never leaves this process; pass it via PAYER_PRIVATE_KEY rather
than --key to keep it out of shell history.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "key",
				Aliases: []string{"k"},
				Usage:   "Hex-encoded payer private key",
				EnvVars: []string{"PAYER_PRIVATE_KEY"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("typed data hash is required")
			}

			keyHex := c.String("key")
			if keyHex == "" {
				return fmt.Errorf("key is required (set PAYER_PRIVATE_KEY env var or use --key)")
			}

			hashHex := c.Args().Get(0)
			hashBytes, err := hexutil.Decode(hashHex)
			if err != nil {
				return fmt.Errorf("invalid typed data hash: %w", err)
			}
			if len(hashBytes) != common.HashLength {
				return fmt.Errorf("invalid typed data hash: expected 32 bytes, got %d", len(hashBytes))
			}

			signer, err := eip3009.NewLocalSigner(keyHex)
			if err != nil {
				return fmt.Errorf("failed to load key: %w", err)
			}

			signature, err := signer.Sign(common.BytesToHash(hashBytes))
			if err != nil {
				return fmt.Errorf("failed to sign: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.Marshal(map[string]interface{}{
					"signature": hexutil.Encode(signature),
					"signer":    signer.Address().Hex(),
				})
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Hash signed\n")
				fmt.Printf("  Signer:    %s\n", signer.Address().Hex())
				fmt.Printf("  Signature: %s\n", hexutil.Encode(signature))
			}

			return nil
		},
	}
}

func authVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Verify a signed authorization with the server",
		ArgsUsage: "AUTH_FILE",
		Description: `Submit a signed authorization for verification. The auth file is the JSON
output of "auth build" (or just its "authorization" object); use "-" to read
from stdin. The command fails when the server rejects the authorization.

Example:
  threeohohnine auth verify auth.json --signature 0x... --signer 0x...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"THREEOHOHNINE_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Hex-encoded 65-byte signature over the typed-data hash",
			},
			&cli.StringFlag{
				Name:  "signer",
				Usage: "Address that produced the signature",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("auth file is required")
			}

			signature := c.String("signature")
			signer := c.String("signer")
			if signature == "" || signer == "" {
				return fmt.Errorf("signature and signer are required")
			}

			auth, err := readAuthFile(c.Args().Get(0))
			if err != nil {
				return err
			}

			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			result, err := cl.VerifyAuthorization(context.Background(), auth, signature, signer)
			if err != nil {
				return fmt.Errorf("failed to verify authorization: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(data))
			} else if result.Valid {
				fmt.Printf("✓ Authorization valid\n")
				fmt.Printf("  Route: %s\n", result.Route)
				if result.Fee != "" {
					fmt.Printf("  Fee:   %s\n", result.Fee)
				}
			}

			if !result.Valid {
				return fmt.Errorf("authorization rejected: %s", result.Reason)
			}

			return nil
		},
	}
}

// readAuthFile parses an authorization from a file, accepting either the full
// "auth build" output or a bare authorization object. "-" reads from stdin.
func readAuthFile(path string) (client.Authorization, error) {
	data, err := readFileOrStdin(path)
	if err != nil {
		return client.Authorization{}, fmt.Errorf("failed to read auth file: %w", err)
	}

	var built client.BuiltAuthorization
	if err := json.Unmarshal(data, &built); err != nil {
		return client.Authorization{}, fmt.Errorf("failed to parse auth file: %w", err)
	}
	if built.Authorization.From != "" {
		return built.Authorization, nil
	}

	var auth client.Authorization
	if err := json.Unmarshal(data, &auth); err != nil {
		return client.Authorization{}, fmt.Errorf("failed to parse auth file: %w", err)
	}
	if auth.From == "" {
		return client.Authorization{}, fmt.Errorf("auth file has no authorization")
	}
	return auth, nil
}
