package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_session_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	renewed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS bridge_session_leases_expires_at_idx ON bridge_session_leases (expires_at);
`
