package store

import (
	"context"
	"fmt"
)

// Schema creates every table the service uses. Statements are idempotent so
// Migrate can run on each start.
const Schema = `
CREATE TABLE IF NOT EXISTS position_snapshots (
    position_key    TEXT PRIMARY KEY,
    upi             TEXT NOT NULL,
    account         TEXT NOT NULL DEFAULT '',
    instrument      TEXT NOT NULL DEFAULT '',
    currency        TEXT NOT NULL DEFAULT '',
    contract_id     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    version         BIGINT NOT NULL,
    open_lots       JSONB NOT NULL DEFAULT '[]',
    high_water_mark DATE,
    last_sequence   BIGINT NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS position_events (
    position_key   TEXT NOT NULL,
    sequence       BIGINT NOT NULL,
    trade_id       TEXT NOT NULL UNIQUE,
    trade_type     TEXT NOT NULL,
    quantity       NUMERIC NOT NULL,
    price          NUMERIC NOT NULL,
    effective_date DATE NOT NULL,
    contract_id    TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    account        TEXT NOT NULL DEFAULT '',
    instrument     TEXT NOT NULL DEFAULT '',
    currency       TEXT NOT NULL DEFAULT '',
    recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    archived       BOOLEAN NOT NULL DEFAULT FALSE,
    archived_at    TIMESTAMPTZ,
    PRIMARY KEY (position_key, sequence)
);

CREATE INDEX IF NOT EXISTS position_events_replay_idx
    ON position_events (position_key, effective_date, sequence);

CREATE TABLE IF NOT EXISTS position_checkpoints (
    position_key   TEXT NOT NULL,
    effective_date DATE NOT NULL,
    sequence       BIGINT NOT NULL,
    snapshot       JSONB,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (position_key, effective_date)
);

CREATE TABLE IF NOT EXISTS upi_history (
    sequence                 BIGSERIAL PRIMARY KEY,
    position_key             TEXT NOT NULL,
    upi                      TEXT NOT NULL,
    previous_upi             TEXT NOT NULL DEFAULT '',
    status                   TEXT NOT NULL,
    previous_status          TEXT NOT NULL,
    change_type              TEXT NOT NULL,
    triggering_trade_id      TEXT NOT NULL DEFAULT '',
    backdated_trade_id       TEXT NOT NULL DEFAULT '',
    occurred_at              TIMESTAMPTZ NOT NULL,
    effective_date           DATE,
    reason                   TEXT NOT NULL DEFAULT '',
    merged_from_position_key TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS upi_history_position_idx ON upi_history (position_key, sequence);

CREATE TABLE IF NOT EXISTS idempotency_records (
    idempotency_key TEXT PRIMARY KEY,
    trade_id        TEXT NOT NULL,
    position_key    TEXT NOT NULL,
    event_version   BIGINT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    processed_at    TIMESTAMPTZ NOT NULL,
    correlation_id  TEXT NOT NULL DEFAULT '',
    archived        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idempotency_records_trade_idx ON idempotency_records (trade_id);

CREATE TABLE IF NOT EXISTS contract_rules (
    contract_id           TEXT PRIMARY KEY,
    allocation_method     TEXT NOT NULL DEFAULT 'FIFO',
    max_price             NUMERIC NOT NULL DEFAULT 0,
    max_trade_quantity    NUMERIC NOT NULL DEFAULT 0,
    max_position_quantity NUMERIC NOT NULL DEFAULT 0
);
`

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
