package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	email      TEXT PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS balances (
	phone   TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id         TEXT PRIMARY KEY,
	phone      TEXT NOT NULL,
	type       TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_transactions_phone ON ledger_transactions (phone, created_at);

CREATE TABLE IF NOT EXISTS payments (
	id                  TEXT PRIMARY KEY,
	reference           TEXT NOT NULL UNIQUE,
	phone               TEXT NOT NULL,
	amount              BIGINT NOT NULL CHECK (amount > 0),
	description         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	checkout_request_id TEXT UNIQUE,
	transaction_code    TEXT,
	error_message       TEXT,
	credited            BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_phone ON payments (phone, created_at);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
