package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_transfers (
	chain_id BIGINT NOT NULL,
	bridge_tx_hash BYTEA NOT NULL,
	block_number BIGINT NOT NULL,
	account TEXT NOT NULL,
	recipient TEXT NOT NULL,
	network TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	approval_tx_hash BYTEA,
	run_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, bridge_tx_hash)
);

CREATE INDEX IF NOT EXISTS bridge_transfers_account_created_idx ON bridge_transfers (account, created_at DESC);
`
