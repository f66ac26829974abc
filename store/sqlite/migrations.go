package sqlite

import (
	"context"
	"fmt"

	"github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tollgate store (SQLite).
var Migrations = migrate.NewGroup("tollgate")

// execSQL runs one multi-statement script.
func execSQL(script string) migrate.MigrateFunc {
	return func(ctx context.Context, exec migrate.Executor) error {
		_, err := exec.Exec(ctx, script)
		return err
	}
}

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tollgate_events",
			Version: "20260301000001",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    type            TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    payload         TEXT NOT NULL,
    occurred_at     INTEGER NOT NULL,
    account_id      TEXT NOT NULL DEFAULT '',
    subscriber_id   TEXT NOT NULL DEFAULT '',
    subscription_id TEXT NOT NULL DEFAULT '',
    invoice_id      TEXT NOT NULL DEFAULT '',
    correlation_key TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    handlers        TEXT NOT NULL DEFAULT '{}',
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at INTEGER NOT NULL,
    claim_token     TEXT NOT NULL DEFAULT '',
    locked_until    INTEGER,
    processed_at    INTEGER,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_events_status ON tollgate_events (status, occurred_at);
CREATE INDEX IF NOT EXISTS idx_tollgate_events_attempts ON tollgate_events (attempt_count);
CREATE INDEX IF NOT EXISTS idx_tollgate_events_correlation ON tollgate_events (correlation_key, occurred_at, seq)
    WHERE status IN ('pending', 'processing', 'failed');
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_events`),
		},
		&migrate.Migration{
			Name:    "create_tollgate_invoices_payments",
			Version: "20260301000002",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_invoices (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    subscription_id TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    currency        TEXT NOT NULL,
    subtotal        INTEGER NOT NULL DEFAULT 0,
    tax_total       INTEGER NOT NULL DEFAULT 0,
    total           INTEGER NOT NULL DEFAULT 0,
    balance_due     INTEGER NOT NULL DEFAULT 0,
    issued_at       INTEGER,
    due_at          INTEGER NOT NULL,
    paid_at         INTEGER,
    voided_at       INTEGER,
    void_reason     TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_invoices_account ON tollgate_invoices (account_id, status);
CREATE INDEX IF NOT EXISTS idx_tollgate_invoices_due ON tollgate_invoices (status, due_at);

CREATE TABLE IF NOT EXISTS tollgate_payments (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    invoice_id         TEXT NOT NULL DEFAULT '',
    amount             INTEGER NOT NULL,
    currency           TEXT NOT NULL,
    status             TEXT NOT NULL,
    provider_reference TEXT NOT NULL DEFAULT '',
    allocated          INTEGER NOT NULL DEFAULT 0,
    credited           INTEGER NOT NULL DEFAULT 0,
    refunded           INTEGER NOT NULL DEFAULT 0,
    failure_reason     TEXT NOT NULL DEFAULT '',
    processed_at       INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_payments_invoice ON tollgate_payments (invoice_id);
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_payments; DROP TABLE IF EXISTS tollgate_invoices`),
		},
		&migrate.Migration{
			Name:    "create_tollgate_ledger",
			Version: "20260301000003",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_postings (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    idempotency_key TEXT NOT NULL UNIQUE,
    account_id      TEXT NOT NULL,
    invoice_id      TEXT NOT NULL DEFAULT '',
    payment_id      TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL,
    currency        TEXT NOT NULL,
    memo            TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tollgate_entries (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    posting_id  TEXT NOT NULL REFERENCES tollgate_postings (id),
    account_id  TEXT NOT NULL,
    invoice_id  TEXT NOT NULL DEFAULT '',
    payment_id  TEXT NOT NULL DEFAULT '',
    book        TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('debit', 'credit')),
    source      TEXT NOT NULL,
    amount      INTEGER NOT NULL CHECK (amount > 0),
    currency    TEXT NOT NULL,
    is_active   INTEGER NOT NULL DEFAULT 1,
    reversal_of TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_entries_posting ON tollgate_entries (posting_id);
CREATE INDEX IF NOT EXISTS idx_tollgate_entries_invoice ON tollgate_entries (invoice_id, book);
CREATE INDEX IF NOT EXISTS idx_tollgate_entries_account ON tollgate_entries (account_id, book, currency);
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_entries; DROP TABLE IF EXISTS tollgate_postings`),
		},
		&migrate.Migration{
			Name:    "create_tollgate_subscriptions",
			Version: "20260301000004",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_subscriptions (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    subscriber_id TEXT NOT NULL DEFAULT '',
    username      TEXT NOT NULL,
    status        TEXT NOT NULL,
    rate_profile  TEXT NOT NULL DEFAULT '',
    authorizable  INTEGER NOT NULL DEFAULT 1,
    throttled     INTEGER NOT NULL DEFAULT 0,
    block_reason  TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_subscriptions_account ON tollgate_subscriptions (account_id, status);
CREATE INDEX IF NOT EXISTS idx_tollgate_subscriptions_username ON tollgate_subscriptions (username);
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_subscriptions`),
		},
		&migrate.Migration{
			Name:    "create_tollgate_dunning_enforcement",
			Version: "20260301000005",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_dunning_cases (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    invoice_id         TEXT NOT NULL,
    status             TEXT NOT NULL,
    policy_set_id      TEXT NOT NULL,
    current_step_index INTEGER NOT NULL DEFAULT -1,
    enforced           INTEGER NOT NULL DEFAULT 0,
    opened_at          INTEGER NOT NULL,
    closed_at          INTEGER,
    close_reason       TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tollgate_dunning_active ON tollgate_dunning_cases (invoice_id)
    WHERE status IN ('open', 'paused');
CREATE INDEX IF NOT EXISTS idx_tollgate_dunning_account ON tollgate_dunning_cases (account_id, status);

CREATE TABLE IF NOT EXISTS tollgate_enforcement_actions (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    subscription_id TEXT NOT NULL,
    account_id      TEXT NOT NULL DEFAULT '',
    case_id         TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    step_index      INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    sessions        INTEGER NOT NULL DEFAULT 0,
    requested_at    INTEGER NOT NULL,
    applied_at      INTEGER,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tollgate_enforcement_subscription ON tollgate_enforcement_actions (subscription_id, status);
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_enforcement_actions; DROP TABLE IF EXISTS tollgate_dunning_cases`),
		},
		&migrate.Migration{
			Name:    "create_tollgate_deadlines",
			Version: "20260301000006",
			Up: execSQL(`
CREATE TABLE IF NOT EXISTS tollgate_deadlines (
    id           TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    fires_at     INTEGER NOT NULL,
    fired        INTEGER NOT NULL DEFAULT 0,
    fired_at     INTEGER,
    canceled     INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tollgate_deadlines_subject ON tollgate_deadlines (subject_type, subject_id, fires_at)
    WHERE canceled = 0;
CREATE INDEX IF NOT EXISTS idx_tollgate_deadlines_due ON tollgate_deadlines (fires_at)
    WHERE fired = 0 AND canceled = 0;
`),
			Down: execSQL(`DROP TABLE IF EXISTS tollgate_deadlines`),
		},
	)
}

// Migrate applies every pending migration.
func (s *Store) Migrate(ctx context.Context) error {
	orch := migrate.NewOrchestrator(sqlitemigrate.New(s.sqlite), Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tollgate/sqlite: migration failed: %w", err)
	}
	return nil
}
