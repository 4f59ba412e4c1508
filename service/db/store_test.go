package db

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBatch(t *testing.T, store *TestStore, id string, itemCount int) *Batch {
	t.Helper()
	items := make([]CreateBatchItemParams, itemCount)
	for i := range items {
		items[i] = CreateBatchItemParams{
			ID:        id + "_item_" + string(rune('a'+i)),
			Idx:       i,
			Recipient: "0x1111111111111111111111111111111111111111",
			Amount:    big.NewInt(int64(1_000_000 * (i + 1))),
			Token:     "USDC",
			ChainID:   8453,
			Route:     "facilitator",
			Fee:       big.NewInt(0),
		}
	}
	batch, err := store.CreateBatch(context.Background(), CreateBatchParams{
		ID:       id,
		Sender:   "0x2222222222222222222222222222222222222222",
		Priority: "normal",
		Items:    items,
	})
	require.NoError(t, err)
	return batch
}

func TestCreateBatch(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("create batch with items", func(t *testing.T) {
		batch := seedBatch(t, store, "batch_create1", 3)

		assert.Equal(t, "batch_create1", batch.ID)
		assert.Equal(t, BatchStatusPending, batch.Status)
		assert.Equal(t, 3, batch.TotalCount)
		assert.WithinDuration(t, time.Now(), batch.CreatedAt, 5*time.Second)

		items, err := store.GetBatchItems(ctx, batch.ID)
		require.NoError(t, err)
		require.Len(t, items, 3)
		for i, item := range items {
			assert.Equal(t, i, item.Idx, "items must come back in submission order")
			assert.Equal(t, ItemStatusPending, item.Status)
			assert.Equal(t, big.NewInt(int64(1_000_000*(i+1))), item.Amount)
			assert.Equal(t, uint64(8453), item.ChainID)
			assert.Nil(t, item.TxHash)
			assert.Nil(t, item.ErrorMessage)
		}
	})

	t.Run("amounts beyond int64 survive the round trip", func(t *testing.T) {
		// 10^24 overflows int64; 18-decimal tokens produce values like this.
		wide, ok := new(big.Int).SetString("1000000000000000000000000", 10)
		require.True(t, ok)

		_, err := store.CreateBatch(ctx, CreateBatchParams{
			ID:       "batch_wide",
			Sender:   "0x2222222222222222222222222222222222222222",
			Priority: "normal",
			Items: []CreateBatchItemParams{{
				ID: "item_wide", Idx: 0,
				Recipient: "0x1111111111111111111111111111111111111111",
				Amount:    wide, Token: "DAI", ChainID: 1, Route: "relayer", Fee: big.NewInt(0),
			}},
		})
		require.NoError(t, err)

		items, err := store.GetBatchItems(ctx, "batch_wide")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Zero(t, wide.Cmp(items[0].Amount))
	})

	t.Run("duplicate batch id fails", func(t *testing.T) {
		_, err := store.CreateBatch(ctx, CreateBatchParams{
			ID:     "batch_create1",
			Sender: "0x2222222222222222222222222222222222222222",
		})
		require.Error(t, err)
	})
}

func TestGetBatch(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	seedBatch(t, store, "batch_get1", 1)

	t.Run("existing batch", func(t *testing.T) {
		batch, err := store.GetBatch(ctx, "batch_get1")
		require.NoError(t, err)
		assert.Equal(t, "batch_get1", batch.ID)
	})

	t.Run("missing batch", func(t *testing.T) {
		_, err := store.GetBatch(ctx, "batch_nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListBatches(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	seedBatch(t, store, "batch_list1", 1)
	seedBatch(t, store, "batch_list2", 1)
	seedBatch(t, store, "batch_list3", 1)

	all, err := store.ListBatches(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := store.ListBatches(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := store.ListBatches(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestTransitionBatchStatus(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	seedBatch(t, store, "batch_cas", 1)

	t.Run("guard passes once", func(t *testing.T) {
		ok, err := store.TransitionBatchStatus(ctx, "batch_cas", BatchStatusPending, BatchStatusProcessing)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("second transition from the same state loses", func(t *testing.T) {
		// A cancel arriving after processing started must fail the guard.
		ok, err := store.TransitionBatchStatus(ctx, "batch_cas", BatchStatusPending, BatchStatusCancelled)
		require.NoError(t, err)
		assert.False(t, ok)

		batch, err := store.GetBatch(ctx, "batch_cas")
		require.NoError(t, err)
		assert.Equal(t, BatchStatusProcessing, batch.Status)
	})

	t.Run("missing batch fails the guard without error", func(t *testing.T) {
		ok, err := store.TransitionBatchStatus(ctx, "batch_nope", BatchStatusPending, BatchStatusProcessing)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUpdateItem(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	seedBatch(t, store, "batch_item", 2)

	items, err := store.GetBatchItems(ctx, "batch_item")
	require.NoError(t, err)

	t.Run("record completion", func(t *testing.T) {
		txHash := "0xabc123"
		err := store.UpdateItem(ctx, UpdateItemParams{
			ID:         items[0].ID,
			Status:     ItemStatusCompleted,
			TxHash:     &txHash,
			RetryCount: 2,
		})
		require.NoError(t, err)

		after, err := store.GetBatchItems(ctx, "batch_item")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusCompleted, after[0].Status)
		require.NotNil(t, after[0].TxHash)
		assert.Equal(t, txHash, *after[0].TxHash)
		assert.Equal(t, 2, after[0].RetryCount)
		assert.Nil(t, after[0].ErrorMessage)
	})

	t.Run("record failure with error message", func(t *testing.T) {
		errMsg := "submitter timeout"
		err := store.UpdateItem(ctx, UpdateItemParams{
			ID:           items[1].ID,
			Status:       ItemStatusFailed,
			ErrorMessage: &errMsg,
			RetryCount:   3,
		})
		require.NoError(t, err)

		after, err := store.GetBatchItems(ctx, "batch_item")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusFailed, after[1].Status)
		require.NotNil(t, after[1].ErrorMessage)
		assert.Equal(t, errMsg, *after[1].ErrorMessage)
	})

	t.Run("missing item", func(t *testing.T) {
		err := store.UpdateItem(ctx, UpdateItemParams{ID: "item_nope", Status: ItemStatusFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecoveryQueries(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	seedBatch(t, store, "batch_rec", 3)

	// Simulate a crash: batch processing, one item stuck in processing, one
	// already completed.
	_, err := store.TransitionBatchStatus(ctx, "batch_rec", BatchStatusPending, BatchStatusProcessing)
	require.NoError(t, err)

	items, err := store.GetBatchItems(ctx, "batch_rec")
	require.NoError(t, err)
	txHash := "0xdeadbeef"
	require.NoError(t, store.UpdateItem(ctx, UpdateItemParams{ID: items[0].ID, Status: ItemStatusCompleted, TxHash: &txHash}))
	require.NoError(t, store.UpdateItem(ctx, UpdateItemParams{ID: items[1].ID, Status: ItemStatusProcessing}))

	t.Run("processing batches are discoverable", func(t *testing.T) {
		stuck, err := store.ListBatchesByStatus(ctx, BatchStatusProcessing)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "batch_rec", stuck[0].ID)
	})

	t.Run("reset flips only in-flight items", func(t *testing.T) {
		n, err := store.ResetProcessingItems(ctx, "batch_rec")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		after, err := store.GetBatchItems(ctx, "batch_rec")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusCompleted, after[0].Status)
		assert.Equal(t, ItemStatusPending, after[1].Status)
		assert.Equal(t, ItemStatusPending, after[2].Status)
	})

	t.Run("completed items feed the sweep", func(t *testing.T) {
		completed, err := store.CompletedItemsSince(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, items[0].ID, completed[0].ID)
		require.NotNil(t, completed[0].TxHash)
	})
}

func TestListNonceCounters(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("empty ledger", func(t *testing.T) {
		counters, err := store.ListNonceCounters(ctx)
		require.NoError(t, err)
		assert.Empty(t, counters)
	})

	t.Run("counters with used counts", func(t *testing.T) {
		payer := "0x3333333333333333333333333333333333333333"
		store.MustExec(t, `INSERT INTO nonce_counters (payer, token, chain_id, next_nonce) VALUES ($1, 'USDC', 8453, 3)`, payer)
		store.MustExec(t, `INSERT INTO used_nonces (payer, token, chain_id, nonce) VALUES ($1, 'USDC', 8453, 0), ($1, 'USDC', 8453, 1)`, payer)
		store.MustExec(t, `INSERT INTO nonce_counters (payer, token, chain_id, next_nonce) VALUES ($1, 'DAI', 1, 1)`, payer)

		counters, err := store.ListNonceCounters(ctx)
		require.NoError(t, err)
		require.Len(t, counters, 2)

		// Key order: DAI/1 sorts before USDC/8453 for the same payer.
		assert.Equal(t, "DAI", counters[0].Token)
		assert.Equal(t, uint64(1), counters[0].ChainID)
		assert.Equal(t, uint64(1), counters[0].NextNonce)
		assert.Equal(t, int64(0), counters[0].UsedCount)

		assert.Equal(t, "USDC", counters[1].Token)
		assert.Equal(t, uint64(8453), counters[1].ChainID)
		assert.Equal(t, uint64(3), counters[1].NextNonce)
		assert.Equal(t, int64(2), counters[1].UsedCount)
	})
}
