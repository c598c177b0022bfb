package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities and prices are stored as NUMERIC for exact decimal precision;
// open lots live in a JSONB column where decimals are encoded as strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Snapshot(ctx context.Context, positionKey string) (*model.PositionSnapshot, error) {
	var snap model.PositionSnapshot
	var lots []byte
	var hwm *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT position_key, upi, account, instrument, currency, contract_id,
		        status, version, open_lots, high_water_mark, last_sequence, updated_at
		 FROM position_snapshots WHERE position_key = $1`, positionKey).
		Scan(&snap.PositionKey, &snap.UPI, &snap.Account, &snap.Instrument, &snap.Currency, &snap.ContractID,
			&snap.Status, &snap.Version, &lots, &hwm, &snap.LastSequence, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", positionKey, err)
	}

	if err := json.Unmarshal(lots, &snap.OpenLots); err != nil {
		return nil, fmt.Errorf("decode lots of %s: %w", positionKey, err)
	}
	if hwm != nil {
		snap.HighWaterMark = model.Day(*hwm)
	}
	return &snap, nil
}

func (s *PostgresStore) Commit(ctx context.Context, c *Commit) error {
	if c == nil || c.Snapshot == nil {
		return fmt.Errorf("store: commit without snapshot")
	}
	snap := c.Snapshot

	lots, err := json.Marshal(snap.OpenLots)
	if err != nil {
		return fmt.Errorf("encode lots: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Snapshot with optimistic version check.
	var sql string
	args := []any{
		snap.PositionKey, snap.UPI, snap.Account, snap.Instrument, snap.Currency, snap.ContractID,
		snap.Status, snap.Version, lots, nullDate(snap.HighWaterMark), snap.LastSequence, snap.UpdatedAt,
	}
	if c.ExpectedVersion == 0 {
		sql = `INSERT INTO position_snapshots
		         (position_key, upi, account, instrument, currency, contract_id,
		          status, version, open_lots, high_water_mark, last_sequence, updated_at)
		       VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		       ON CONFLICT (position_key) DO NOTHING`
	} else {
		sql = `UPDATE position_snapshots
		       SET upi = $2, account = $3, instrument = $4, currency = $5, contract_id = $6,
		           status = $7, version = $8, open_lots = $9, high_water_mark = $10,
		           last_sequence = $11, updated_at = $12
		       WHERE position_key = $1 AND version = $13`
		args = append(args, c.ExpectedVersion)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.PositionKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s expected %d", ErrVersionConflict, snap.PositionKey, c.ExpectedVersion)
	}

	// 2. Event log.
	for _, e := range c.Events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO position_events
			   (position_key, sequence, trade_id, trade_type, quantity, price, effective_date,
			    contract_id, correlation_id, account, instrument, currency, recorded_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)`,
			e.PositionKey, e.Sequence, e.TradeID, e.TradeType,
			e.Quantity.String(), e.Price.String(), e.EffectiveDate,
			e.ContractID, e.CorrelationID, e.Account, e.Instrument, e.Currency, e.RecordedAt,
		); err != nil {
			return fmt.Errorf("append event %s: %w", e.TradeID, err)
		}
	}

	// 3. Audit history.
	for i := range c.History {
		if err := insertHistory(ctx, tx, &c.History[i]); err != nil {
			return err
		}
	}

	// 4. Idempotency, never over a PROCESSED record.
	if rec := c.Idempotency; rec != nil {
		tag, err := tx.Exec(ctx, upsertIdempotency,
			rec.IdempotencyKey, rec.TradeID, rec.PositionKey, rec.EventVersion,
			rec.Status, rec.Reason, rec.ProcessedAt, rec.CorrelationID, rec.Archived)
		if err != nil {
			return fmt.Errorf("write idempotency %s: %w", rec.IdempotencyKey, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, rec.IdempotencyKey)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", snap.PositionKey, err)
	}
	return nil
}

const upsertIdempotency = `
INSERT INTO idempotency_records
  (idempotency_key, trade_id, position_key, event_version, status, reason, processed_at, correlation_id, archived)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (idempotency_key) DO UPDATE
SET trade_id = EXCLUDED.trade_id, position_key = EXCLUDED.position_key,
    event_version = EXCLUDED.event_version, status = EXCLUDED.status, reason = EXCLUDED.reason,
    processed_at = EXCLUDED.processed_at, correlation_id = EXCLUDED.correlation_id,
    archived = EXCLUDED.archived
WHERE idempotency_records.status <> 'PROCESSED'`

func (s *PostgresStore) ListFrom(ctx context.Context, positionKey string, from time.Time) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_key, sequence, trade_id, trade_type,
		        quantity::TEXT, price::TEXT, effective_date,
		        contract_id, correlation_id, account, instrument, currency,
		        recorded_at, archived, archived_at
		 FROM position_events
		 WHERE position_key = $1 AND effective_date >= $2
		 ORDER BY effective_date, sequence`, positionKey, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.EventRecord
	for rows.Next() {
		var e model.EventRecord
		var qtyS, priceS string
		if err := rows.Scan(&e.PositionKey, &e.Sequence, &e.TradeID, &e.TradeType,
			&qtyS, &priceS, &e.EffectiveDate,
			&e.ContractID, &e.CorrelationID, &e.Account, &e.Instrument, &e.Currency,
			&e.RecordedAt, &e.Archived, &e.ArchivedAt); err != nil {
			return nil, err
		}
		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.EffectiveDate = model.Day(e.EffectiveDate)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, positionKey string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var snap []byte

	err := s.pool.QueryRow(ctx,
		`SELECT position_key, effective_date, sequence, snapshot, created_at
		 FROM position_checkpoints WHERE position_key = $1
		 ORDER BY effective_date DESC LIMIT 1`, positionKey).
		Scan(&cp.PositionKey, &cp.EffectiveDate, &cp.Sequence, &snap, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", positionKey, err)
	}
	cp.EffectiveDate = model.Day(cp.EffectiveDate)

	if snap != nil {
		cp.Snapshot = &model.PositionSnapshot{}
		if err := json.Unmarshal(snap, cp.Snapshot); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", positionKey, err)
		}
	}
	return &cp, nil
}

func (s *PostgresStore) Archive(ctx context.Context, cp *model.Checkpoint, expectedVersion int64) error {
	var snap []byte
	if cp.Snapshot != nil {
		var err error
		if snap, err = json.Marshal(cp.Snapshot); err != nil {
			return fmt.Errorf("encode checkpoint: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM position_snapshots WHERE position_key = $1 FOR UPDATE`, cp.PositionKey).
		Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock snapshot %s: %w", cp.PositionKey, err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: %s expected %d, stored %d", ErrVersionConflict, cp.PositionKey, expectedVersion, current)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO position_checkpoints (position_key, effective_date, sequence, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (position_key, effective_date) DO UPDATE
		 SET sequence = EXCLUDED.sequence, snapshot = EXCLUDED.snapshot, created_at = EXCLUDED.created_at`,
		cp.PositionKey, cp.EffectiveDate, cp.Sequence, snap, cp.CreatedAt,
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.PositionKey, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE idempotency_records SET archived = TRUE
		 WHERE trade_id IN (
		   SELECT trade_id FROM position_events
		   WHERE position_key = $1 AND effective_date < $2 AND NOT archived)`,
		cp.PositionKey, cp.EffectiveDate,
	); err != nil {
		return fmt.Errorf("archive idempotency %s: %w", cp.PositionKey, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE position_events SET archived = TRUE, archived_at = NOW()
		 WHERE position_key = $1 AND effective_date < $2 AND NOT archived`,
		cp.PositionKey, cp.EffectiveDate,
	); err != nil {
		return fmt.Errorf("archive events %s: %w", cp.PositionKey, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendHistory(ctx context.Context, rec *model.UPIHistoryRecord) error {
	if rec.PositionKey == "" {
		return ErrHistoryTarget
	}
	return insertHistory(ctx, s.pool, rec)
}

func (s *PostgresStore) ListHistory(ctx context.Context, positionKey string) ([]model.UPIHistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, position_key, upi, previous_upi, status, previous_status, change_type,
		        triggering_trade_id, backdated_trade_id, occurred_at, effective_date, reason,
		        merged_from_position_key
		 FROM upi_history WHERE position_key = $1 ORDER BY sequence`, positionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UPIHistoryRecord
	for rows.Next() {
		var r model.UPIHistoryRecord
		var eff *time.Time
		if err := rows.Scan(&r.Sequence, &r.PositionKey, &r.UPI, &r.PreviousUPI, &r.Status, &r.PreviousStatus,
			&r.ChangeType, &r.TriggeringTradeID, &r.BackdatedTradeID, &r.OccurredAt, &eff, &r.Reason,
			&r.MergedFromPositionKey); err != nil {
			return nil, err
		}
		if eff != nil {
			r.EffectiveDate = model.Day(*eff)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var r model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT idempotency_key, trade_id, position_key, event_version, status, reason,
		        processed_at, correlation_id, archived
		 FROM idempotency_records WHERE idempotency_key = $1`, key).
		Scan(&r.IdempotencyKey, &r.TradeID, &r.PositionKey, &r.EventVersion, &r.Status, &r.Reason,
			&r.ProcessedAt, &r.CorrelationID, &r.Archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency %s: %w", key, err)
	}
	return &r, nil
}

func (s *PostgresStore) SaveIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	tag, err := s.pool.Exec(ctx, upsertIdempotency,
		rec.IdempotencyKey, rec.TradeID, rec.PositionKey, rec.EventVersion,
		rec.Status, rec.Reason, rec.ProcessedAt, rec.CorrelationID, rec.Archived)
	if err != nil {
		return fmt.Errorf("save idempotency %s: %w", rec.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 && rec.Status != model.IdempotencyProcessed {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, rec.IdempotencyKey)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertHistory(ctx context.Context, q querier, r *model.UPIHistoryRecord) error {
	err := q.QueryRow(ctx,
		`INSERT INTO upi_history
		   (position_key, upi, previous_upi, status, previous_status, change_type,
		    triggering_trade_id, backdated_trade_id, occurred_at, effective_date, reason,
		    merged_from_position_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING sequence`,
		r.PositionKey, r.UPI, r.PreviousUPI, r.Status, r.PreviousStatus, r.ChangeType,
		r.TriggeringTradeID, r.BackdatedTradeID, r.OccurredAt, nullDate(r.EffectiveDate), r.Reason,
		r.MergedFromPositionKey,
	).Scan(&r.Sequence)
	if err != nil {
		return fmt.Errorf("append history %s: %w", r.PositionKey, err)
	}
	return nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
