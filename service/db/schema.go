package db

// Schema is the settlement schema. Statements are idempotent so the migrate
// binary and the test harness can both apply them.
//
// Amounts are NUMERIC(78,0): wide enough for a full uint256, always whole
// smallest-units.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id           TEXT        PRIMARY KEY,
	sender       TEXT        NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'pending',
	use_multisig BOOLEAN     NOT NULL DEFAULT false,
	priority     TEXT        NOT NULL DEFAULT 'normal',
	total_count  INTEGER     NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches (status);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches (created_at DESC);

CREATE TABLE IF NOT EXISTS batch_items (
	id            TEXT          PRIMARY KEY,
	batch_id      TEXT          NOT NULL REFERENCES batches (id) ON DELETE CASCADE,
	idx           INTEGER       NOT NULL,
	recipient     TEXT          NOT NULL,
	amount        NUMERIC(78,0) NOT NULL,
	token         TEXT          NOT NULL,
	chain_id      BIGINT        NOT NULL,
	status        TEXT          NOT NULL DEFAULT 'pending',
	route         TEXT          NOT NULL DEFAULT 'relayer',
	fee           NUMERIC(78,0) NOT NULL DEFAULT 0,
	tx_hash       TEXT,
	error_message TEXT,
	retry_count   INTEGER       NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),
	UNIQUE (batch_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items (batch_id);
CREATE INDEX IF NOT EXISTS idx_batch_items_status_updated ON batch_items (status, updated_at);

CREATE TABLE IF NOT EXISTS nonce_counters (
	payer      TEXT   NOT NULL,
	token      TEXT   NOT NULL,
	chain_id   BIGINT NOT NULL,
	next_nonce BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (payer, token, chain_id)
);

CREATE TABLE IF NOT EXISTS used_nonces (
	payer    TEXT        NOT NULL,
	token    TEXT        NOT NULL,
	chain_id BIGINT      NOT NULL,
	nonce    BIGINT      NOT NULL,
	used_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (payer, token, chain_id, nonce)
);
`
