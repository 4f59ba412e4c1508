package nonce

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger backs the ledger with two tables: an upsert-returning
// counter row per key and a used-nonce row per consumed nonce. Row locking
// on the counter upsert gives per-key linearizability.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wraps an existing connection pool. The schema is applied
// by the migrate binary.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (p *PostgresLedger) Reserve(ctx context.Context, key Key) (uint64, error) {
	// next_nonce holds the next unreserved value, so the row settles at
	// reserved+1 and the RETURNING clause hands back the reserved value.
	var reserved int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO nonce_counters (payer, token, chain_id, next_nonce)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (payer, token, chain_id)
		DO UPDATE SET next_nonce = nonce_counters.next_nonce + 1
		RETURNING next_nonce - 1
	`, key.Payer.Hex(), key.Token.Hex(), int64(key.ChainID)).Scan(&reserved)
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", key, err)
	}
	return uint64(reserved), nil
}

func (p *PostgresLedger) MarkUsed(ctx context.Context, key Key, nonce uint64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO used_nonces (payer, token, chain_id, nonce)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, key.Payer.Hex(), key.Token.Hex(), int64(key.ChainID), int64(nonce))
	if err != nil {
		return fmt.Errorf("mark nonce %d used for %s: %w", nonce, key, err)
	}
	return nil
}

func (p *PostgresLedger) IsUsed(ctx context.Context, key Key, nonce uint64) (bool, error) {
	var used bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM used_nonces
			WHERE payer = $1 AND token = $2 AND chain_id = $3 AND nonce = $4
		)
	`, key.Payer.Hex(), key.Token.Hex(), int64(key.ChainID), int64(nonce)).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check nonce %d for %s: %w", nonce, key, err)
	}
	return used, nil
}
