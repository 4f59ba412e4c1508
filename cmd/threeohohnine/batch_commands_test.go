package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const (
	testSenderAddr = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
	testBatchID    = "batch_0123456789abcdef0123456789abcdef"
)

// batchTestApp creates a CLI app with the batch commands for testing.
func batchTestApp() *cli.App {
	return &cli.App{
		Name:     "threeohohnine",
		Commands: []*cli.Command{batchCommands()},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
			},
		},
	}
}

// writeItemsFile writes a batch items file into a temp dir.
func writeItemsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBatchSubmitCommand(t *testing.T) {
	itemsPath := writeItemsFile(t, `[
		{"recipient": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "amount": "1000000", "token": "USDC", "chain_id": 8453},
		{"recipient": "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", "amount": "2500000", "token": "USDC", "chain_id": 1}
	]`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/batches", r.URL.Path)

		var req struct {
			Sender  string `json:"sender"`
			Items   []struct {
				Recipient string `json:"recipient"`
				Amount    string `json:"amount"`
			} `json:"items"`
			Options struct {
				UseMultisig bool   `json:"use_multisig"`
				Priority    string `json:"priority"`
			} `json:"options"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testSenderAddr, req.Sender)
		assert.Len(t, req.Items, 2)
		assert.Equal(t, "1000000", req.Items[0].Amount)
		assert.True(t, req.Options.UseMultisig)
		assert.Equal(t, "high", req.Options.Priority)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"batch_id": %q, "status": "pending", "total_count": 2, "status_url": "/api/v1/batches/%s"}`, testBatchID, testBatchID)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "submit",
		"--server", server.URL,
		"--sender", testSenderAddr,
		"--multisig",
		"--priority", "high",
		itemsPath,
	})
	require.NoError(t, err)
}

func TestBatchSubmitCommand_RequiresSender(t *testing.T) {
	itemsPath := writeItemsFile(t, `[{"recipient": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "amount": "1", "token": "USDC", "chain_id": 8453}]`)

	app := batchTestApp()
	err := app.Run([]string{"threeohohnine", "batch", "submit", itemsPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender is required")
}

func TestBatchSubmitCommand_MissingItemsFile(t *testing.T) {
	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "submit",
		"--sender", testSenderAddr,
		filepath.Join(t.TempDir(), "does-not-exist.json"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read items file")
}

func TestBatchAwaitCommand_FiltersPass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/batches/"+testBatchID, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"batch_id": %q,
			"status": "completed",
			"total_count": 2,
			"success_count": 2,
			"failure_count": 0,
			"pending_count": 0,
			"items": []
		}`, testBatchID)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "await",
		"--server", server.URL,
		"--interval", "10ms",
		"--timeout", "5s",
		"--must-jq", `.status == "completed"`,
		"--must-jq", `.failure_count == 0`,
		"--json",
		testBatchID,
	})
	require.NoError(t, err)
}

func TestBatchAwaitCommand_FiltersFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"batch_id": %q,
			"status": "failed",
			"total_count": 2,
			"success_count": 1,
			"failure_count": 1,
			"pending_count": 0,
			"items": []
		}`, testBatchID)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "await",
		"--server", server.URL,
		"--interval", "10ms",
		"--timeout", "5s",
		"--must-jq", `.failure_count == 0`,
		"--json",
		testBatchID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not satisfy filter")
}

func TestBatchAwaitCommand_BadFilter(t *testing.T) {
	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "await",
		"--must-jq", `.status ==`,
		testBatchID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestBatchCancelCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/batches/"+testBatchID+"/cancel", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"batch_id": %q, "status": "cancelled"}`, testBatchID)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "cancel",
		"--server", server.URL,
		"--json",
		testBatchID,
	})
	require.NoError(t, err)
}

func TestBatchCancelCommand_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": "batch already processing"}`)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "cancel",
		"--server", server.URL,
		testBatchID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch already processing")
}

func TestBatchListCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/batches", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"batches": [{"batch_id": %q, "sender": %q, "status": "completed", "total_count": 2, "created_at": "2026-08-25T10:00:00Z", "updated_at": "2026-08-25T10:01:00Z"}], "limit": 10, "offset": 0}`, testBatchID, testSenderAddr)
	}))
	defer server.Close()

	app := batchTestApp()
	err := app.Run([]string{
		"threeohohnine", "batch", "list",
		"--server", server.URL,
		"--limit", "10",
	})
	require.NoError(t, err)
}

func TestBatchListCommand_RejectsBadLimit(t *testing.T) {
	app := batchTestApp()
	err := app.Run([]string{"threeohohnine", "batch", "list", "--limit", "0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be between 1 and 1000")
}

func TestBatchReconcileCommand(t *testing.T) {
	recordsPath := writeItemsFile(t, `[
		{"tx_hash": "0xaaa", "amount": "1000000"},
		{"tx_hash": "0xbbb", "amount": "2500000"}
	]`)

	t.Run("all records match", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/batches/"+testBatchID+"/reconcile", r.URL.Path)

			var req struct {
				ExternalRecords []struct {
					TxHash string `json:"tx_hash"`
					Amount string `json:"amount"`
				} `json:"external_records"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.ExternalRecords, 2)

			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{
				"batch_id": %q,
				"records": [
					{"reference": "0xaaa", "internal_amount": 1000000, "external_amount": 1000000, "status": "matched"},
					{"reference": "0xbbb", "internal_amount": 2500000, "external_amount": 2500000, "status": "matched"}
				],
				"summary": {"matched": 2, "mismatched": 0, "missing_onchain": 0}
			}`, testBatchID)
		}))
		defer server.Close()

		app := batchTestApp()
		err := app.Run([]string{
			"threeohohnine", "batch", "reconcile",
			"--server", server.URL,
			"--json",
			testBatchID,
			recordsPath,
		})
		require.NoError(t, err)
	})

	t.Run("mismatches fail the command", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{
				"batch_id": %q,
				"records": [
					{"reference": "0xaaa", "internal_amount": 1000000, "external_amount": 900000, "status": "mismatched"},
					{"reference": "0xbbb", "internal_amount": 2500000, "status": "missing_onchain"}
				],
				"summary": {"matched": 0, "mismatched": 1, "missing_onchain": 1}
			}`, testBatchID)
		}))
		defer server.Close()

		app := batchTestApp()
		err := app.Run([]string{
			"threeohohnine", "batch", "reconcile",
			"--server", server.URL,
			"--json",
			testBatchID,
			recordsPath,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 mismatched and 1 missing")
	})
}

func TestReadItemsFile(t *testing.T) {
	t.Run("valid items", func(t *testing.T) {
		path := writeItemsFile(t, `[{"recipient": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "amount": "1000000", "token": "USDC", "chain_id": 8453}]`)
		items, err := readItemsFile(path)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "1000000", items[0].Amount)
		assert.Equal(t, uint64(8453), items[0].ChainID)
	})

	t.Run("empty array", func(t *testing.T) {
		path := writeItemsFile(t, `[]`)
		_, err := readItemsFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "items file is empty")
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := writeItemsFile(t, `{"recipient": "not an array"}`)
		_, err := readItemsFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse items file")
	})
}

func TestIsTruthy(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected bool
	}{
		{"nil is falsy", nil, false},
		{"false is falsy", false, false},
		{"true is truthy", true, true},
		{"zero is truthy", 0.0, true},
		{"string is truthy", "completed", true},
		{"empty string is truthy", "", true},
		{"object is truthy", map[string]interface{}{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isTruthy(tt.value))
		})
	}
}
