package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a batch or item does not exist.
var ErrNotFound = errors.New("not found")

// BatchStatus is the stored coarse batch state. Per-item truth lives on the
// items; this column exists for the submit/cancel race and crash recovery.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// ItemStatus is the stored per-item state.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Batch is a stored settlement batch.
type Batch struct {
	ID          string
	Sender      string
	Status      BatchStatus
	UseMultisig bool
	Priority    string
	TotalCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchItem is a stored batch item. Amount and Fee are smallest token units.
type BatchItem struct {
	ID           string
	BatchID      string
	Idx          int
	Recipient    string
	Amount       *big.Int
	Token        string
	ChainID      uint64
	Status       ItemStatus
	Route        string
	Fee          *big.Int
	TxHash       *string
	ErrorMessage *string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides access to settlement state in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an established pool. The Store does not own the pool's
// lifecycle; the caller closes it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so collaborators that share the database
// (the postgres nonce ledger) can reuse the connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateBatchItemParams describes one item at batch creation.
type CreateBatchItemParams struct {
	ID        string
	Idx       int
	Recipient string
	Amount    *big.Int
	Token     string
	ChainID   uint64
	Route     string
	Fee       *big.Int
}

// CreateBatchParams describes a batch at creation.
type CreateBatchParams struct {
	ID          string
	Sender      string
	UseMultisig bool
	Priority    string
	Items       []CreateBatchItemParams
}

// CreateBatch inserts the batch and all its items in one transaction. The
// batch starts pending with every item pending.
func (s *Store) CreateBatch(ctx context.Context, params CreateBatchParams) (*Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var batch Batch
	err = tx.QueryRow(ctx, `
		INSERT INTO batches (id, sender, status, use_multisig, priority, total_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, sender, status, use_multisig, priority, total_count, created_at, updated_at
	`, params.ID, params.Sender, BatchStatusPending, params.UseMultisig, params.Priority, len(params.Items)).Scan(
		&batch.ID, &batch.Sender, &batch.Status, &batch.UseMultisig,
		&batch.Priority, &batch.TotalCount, &batch.CreatedAt, &batch.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	for _, item := range params.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_items (id, batch_id, idx, recipient, amount, token, chain_id, status, route, fee)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, item.ID, params.ID, item.Idx, item.Recipient, numericFromBigInt(item.Amount),
			item.Token, int64(item.ChainID), ItemStatusPending, item.Route, numericFromBigInt(item.Fee))
		if err != nil {
			return nil, fmt.Errorf("insert batch item %d: %w", item.Idx, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create batch: %w", err)
	}
	return &batch, nil
}

// GetBatch fetches one batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	err := s.pool.QueryRow(ctx, `
		SELECT id, sender, status, use_multisig, priority, total_count, created_at, updated_at
		FROM batches WHERE id = $1
	`, id).Scan(
		&batch.ID, &batch.Sender, &batch.Status, &batch.UseMultisig,
		&batch.Priority, &batch.TotalCount, &batch.CreatedAt, &batch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return &batch, nil
}

// ListBatches returns batches newest first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, status, use_multisig, priority, total_count, created_at, updated_at
		FROM batches
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListBatchesByStatus returns all batches in the given state, oldest first.
// Startup recovery uses it to find runs interrupted by a crash.
func (s *Store) ListBatchesByStatus(ctx context.Context, status BatchStatus) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, status, use_multisig, priority, total_count, created_at, updated_at
		FROM batches
		WHERE status = $1
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list batches by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func scanBatches(rows pgx.Rows) ([]*Batch, error) {
	var batches []*Batch
	for rows.Next() {
		var batch Batch
		if err := rows.Scan(
			&batch.ID, &batch.Sender, &batch.Status, &batch.UseMultisig,
			&batch.Priority, &batch.TotalCount, &batch.CreatedAt, &batch.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, &batch)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus sets the batch status unconditionally.
func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status BatchStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update batch %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionBatchStatus moves the batch from one status to another only if
// it is still in the expected state. Returns false when the guard fails,
// which is how submit and cancel lose their race cleanly.
func (s *Store) TransitionBatchStatus(ctx context.Context, id string, from, to BatchStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition batch %s %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetBatchItems returns a batch's items in submission order.
func (s *Store) GetBatchItems(ctx context.Context, batchID string) ([]*BatchItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, idx, recipient, amount, token, chain_id, status, route, fee,
		       tx_hash, error_message, retry_count, created_at, updated_at
		FROM batch_items
		WHERE batch_id = $1
		ORDER BY idx ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("get items for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows pgx.Rows) ([]*BatchItem, error) {
	var items []*BatchItem
	for rows.Next() {
		var (
			item    BatchItem
			amount  pgtype.Numeric
			fee     pgtype.Numeric
			chainID int64
		)
		if err := rows.Scan(
			&item.ID, &item.BatchID, &item.Idx, &item.Recipient, &amount,
			&item.Token, &chainID, &item.Status, &item.Route, &fee,
			&item.TxHash, &item.ErrorMessage, &item.RetryCount,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		item.Amount = bigIntFromNumeric(amount)
		item.Fee = bigIntFromNumeric(fee)
		item.ChainID = uint64(chainID)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// UpdateItemParams carries a per-item state change.
type UpdateItemParams struct {
	ID           string
	Status       ItemStatus
	TxHash       *string
	ErrorMessage *string
	RetryCount   int
}

// UpdateItem records an item transition. TxHash and ErrorMessage overwrite
// whatever was there; passing nil clears them, so a retry that succeeds
// drops the stale error.
func (s *Store) UpdateItem(ctx context.Context, params UpdateItemParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_items
		SET status = $2, tx_hash = $3, error_message = $4, retry_count = $5, updated_at = now()
		WHERE id = $1
	`, params.ID, params.Status, params.TxHash, params.ErrorMessage, params.RetryCount)
	if err != nil {
		return fmt.Errorf("update item %s: %w", params.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", params.ID, ErrNotFound)
	}
	return nil
}

// ResetProcessingItems flips a batch's in-flight items back to pending.
// Called during crash recovery before re-running the batch.
func (s *Store) ResetProcessingItems(ctx context.Context, batchID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_items SET status = $2, updated_at = now()
		WHERE batch_id = $1 AND status = $3
	`, batchID, ItemStatusPending, ItemStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset processing items for batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

// NonceCounter is the allocation state for one (payer, token, chain) key:
// the next nonce to hand out and how many reserved nonces were consumed.
type NonceCounter struct {
	Payer     string
	Token     string
	ChainID   uint64
	NextNonce uint64
	UsedCount int64
}

// ListNonceCounters returns nonce allocation state across all keys, in key
// order.
func (s *Store) ListNonceCounters(ctx context.Context) ([]*NonceCounter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.payer, c.token, c.chain_id, c.next_nonce, count(u.nonce)
		FROM nonce_counters c
		LEFT JOIN used_nonces u
			ON u.payer = c.payer AND u.token = c.token AND u.chain_id = c.chain_id
		GROUP BY c.payer, c.token, c.chain_id, c.next_nonce
		ORDER BY c.payer, c.token, c.chain_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list nonce counters: %w", err)
	}
	defer rows.Close()

	var counters []*NonceCounter
	for rows.Next() {
		var (
			counter   NonceCounter
			chainID   int64
			nextNonce int64
		)
		if err := rows.Scan(&counter.Payer, &counter.Token, &chainID, &nextNonce, &counter.UsedCount); err != nil {
			return nil, fmt.Errorf("scan nonce counter row: %w", err)
		}
		counter.ChainID = uint64(chainID)
		counter.NextNonce = uint64(nextNonce)
		counters = append(counters, &counter)
	}
	return counters, rows.Err()
}

// CompletedItemsSince returns completed items updated in the window, oldest
// first. The reconciliation sweep feeds these to the matcher.
func (s *Store) CompletedItemsSince(ctx context.Context, since time.Time) ([]*BatchItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, idx, recipient, amount, token, chain_id, status, route, fee,
		       tx_hash, error_message, retry_count, created_at, updated_at
		FROM batch_items
		WHERE status = $1 AND updated_at >= $2 AND tx_hash IS NOT NULL
		ORDER BY updated_at ASC
	`, ItemStatusCompleted, since)
	if err != nil {
		return nil, fmt.Errorf("list completed items since %s: %w", since, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// numericFromBigInt converts to the NUMERIC wire type. Nil becomes zero.
func numericFromBigInt(v *big.Int) pgtype.Numeric {
	if v == nil {
		v = new(big.Int)
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// bigIntFromNumeric converts back, normalizing any positive exponent the
// scanner produced. Invalid (NULL) becomes zero.
func bigIntFromNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	for exp := n.Exp; exp > 0; exp-- {
		v.Mul(v, big.NewInt(10))
	}
	return v
}
