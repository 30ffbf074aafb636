package main

import (
	"context"
	"fmt"

	"localtx/internal/core/tx"
	"localtx/internal/core/types"
	"localtx/internal/domain/ledger"
	"localtx/internal/infrastructure/storage/postgres"
	"localtx/internal/infrastructure/storage/sqlstore"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id       TEXT PRIMARY KEY,
	owner    TEXT NOT NULL,
	currency CHAR(3) NOT NULL,
	balance  NUMERIC(20, 4) NOT NULL DEFAULT 0,
	version  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transfers (
	id           UUID PRIMARY KEY,
	from_account TEXT NOT NULL REFERENCES accounts (id),
	to_account   TEXT NOT NULL REFERENCES accounts (id),
	amount       NUMERIC(20, 4) NOT NULL,
	currency     CHAR(3) NOT NULL,
	reference    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          UUID PRIMARY KEY,
	transfer_id UUID NOT NULL REFERENCES transfers (id),
	account_id  TEXT NOT NULL REFERENCES accounts (id),
	amount      NUMERIC(20, 4) NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sys_outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	compression    TEXT NOT NULL DEFAULT 'none',
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sys_outbox_pending ON sys_outbox (created_at) WHERE status = 'pending';
`

// Works on both SQLite and MySQL.
const deliveryLogSchema = `
CREATE TABLE IF NOT EXISTS delivered_events (
	id           VARCHAR(36) PRIMARY KEY,
	event_type   VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(64) NOT NULL,
	payload      TEXT NOT NULL,
	delivered_at TIMESTAMP NOT NULL
)`

var demoAccounts = []ledger.Account{
	{ID: "acc-alice", Owner: "alice", Currency: "EUR", Balance: types.MustMoney("1000.00")},
	{ID: "acc-bob", Owner: "bob", Currency: "EUR", Balance: types.MustMoney("250.00")},
	{ID: "acc-carol", Owner: "carol", Currency: "EUR", Balance: types.MustMoney("0.00")},
}

func migratePostgres(ctx context.Context, pool postgres.Querier) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

func migrateDeliveryLog(ctx context.Context, db *sqlstore.DB) error {
	if _, err := db.ExecContext(ctx, deliveryLogSchema); err != nil {
		return fmt.Errorf("create delivery log schema: %w", err)
	}
	return nil
}

// seedAccounts inserts the demo accounts once, in a single transaction.
func seedAccounts(ctx context.Context, template *tx.Template, factory *postgres.Factory) error {
	return template.RunInTransaction(ctx, func(ctx context.Context) error {
		pgxTx := factory.GetTx(ctx)
		for _, acc := range demoAccounts {
			_, err := pgxTx.Exec(ctx,
				`INSERT INTO accounts (id, owner, currency, balance) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO NOTHING`,
				acc.ID, acc.Owner, acc.Currency, acc.Balance)
			if err != nil {
				return fmt.Errorf("seed account %s: %w", acc.ID, err)
			}
		}
		return nil
	})
}
