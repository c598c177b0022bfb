// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL (source of truth), a cache-backed
// read-through wrapper, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/position-ledger/internal/model"
)

var (
	// ErrVersionConflict is returned when a commit's expected version does not
	// match the stored snapshot. The caller reloads and retries.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrAlreadyProcessed is returned when a commit or a FAILED record would
	// overwrite a PROCESSED idempotency record.
	ErrAlreadyProcessed = errors.New("store: trade already processed")

	// ErrHistoryTarget is returned when a history record names no position.
	ErrHistoryTarget = errors.New("store: history record without position key")
)

// Commit is everything one apply or replay writes. It is applied atomically:
// either every part is durable or none is.
type Commit struct {
	// Snapshot is the new state. ExpectedVersion is the version it was
	// derived from; 0 means the position must not exist yet.
	Snapshot        *model.PositionSnapshot
	ExpectedVersion int64

	// Events are appended to the position's log.
	Events []model.EventRecord

	// History records get their Sequence assigned by the store.
	History []model.UPIHistoryRecord

	// Idempotency, when set, is upserted unless a PROCESSED record already
	// exists, in which case the whole commit fails with ErrAlreadyProcessed.
	Idempotency *model.IdempotencyRecord
}

// SnapshotStore reads materialized positions.
type SnapshotStore interface {
	// Snapshot returns the current snapshot, or nil if the position does not exist.
	Snapshot(ctx context.Context, positionKey string) (*model.PositionSnapshot, error)
}

// EventStore reads the append-only event log and manages archival.
type EventStore interface {
	// ListFrom returns the position's events with effective date >= from,
	// ordered by (effective date, sequence).
	ListFrom(ctx context.Context, positionKey string, from time.Time) ([]model.EventRecord, error)

	// LatestCheckpoint returns the most recent archival checkpoint, or nil.
	LatestCheckpoint(ctx context.Context, positionKey string) (*model.Checkpoint, error)

	// Archive saves cp and flags every event dated before cp.EffectiveDate
	// as archived. Events are never deleted. Fails with ErrVersionConflict
	// if the snapshot moved past expectedVersion.
	Archive(ctx context.Context, cp *model.Checkpoint, expectedVersion int64) error
}

// HistoryStore is the append-only UPI audit log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec *model.UPIHistoryRecord) error
	ListHistory(ctx context.Context, positionKey string) ([]model.UPIHistoryRecord, error)
}

// IdempotencyStore holds the durable idempotency records.
type IdempotencyStore interface {
	// IdempotencyRecord returns the record for key, or nil.
	IdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)

	// SaveIdempotency upserts rec. A PROCESSED record is never downgraded:
	// writing FAILED over it returns ErrAlreadyProcessed, writing PROCESSED
	// over it is a no-op.
	SaveIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	SnapshotStore
	EventStore
	HistoryStore
	IdempotencyStore

	// Commit atomically applies c.
	Commit(ctx context.Context, c *Commit) error
}
