package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/position-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]*model.PositionSnapshot
	events      map[string][]model.EventRecord
	checkpoints map[string][]model.Checkpoint
	history     []model.UPIHistoryRecord
	idempotency map[string]model.IdempotencyRecord
	historySeq  int64
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]*model.PositionSnapshot),
		events:      make(map[string][]model.EventRecord),
		checkpoints: make(map[string][]model.Checkpoint),
		idempotency: make(map[string]model.IdempotencyRecord),
		now:         time.Now,
	}
}

func (s *MemoryStore) Snapshot(_ context.Context, positionKey string) (*model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to avoid external mutation.
	return s.snapshots[positionKey].Clone(), nil
}

func (s *MemoryStore) Commit(_ context.Context, c *Commit) error {
	if c == nil || c.Snapshot == nil {
		return fmt.Errorf("store: commit without snapshot")
	}
	key := c.Snapshot.PositionKey

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every check happens before the first write so a failed commit
	// leaves nothing behind.
	var current int64
	if snap, ok := s.snapshots[key]; ok {
		current = snap.Version
	}
	if current != c.ExpectedVersion {
		return fmt.Errorf("%w: %s expected %d, stored %d", ErrVersionConflict, key, c.ExpectedVersion, current)
	}
	if c.Idempotency != nil {
		if existing, ok := s.idempotency[c.Idempotency.IdempotencyKey]; ok && existing.Status == model.IdempotencyProcessed {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, c.Idempotency.IdempotencyKey)
		}
	}
	for _, rec := range c.History {
		if rec.PositionKey == "" {
			return ErrHistoryTarget
		}
	}

	s.snapshots[key] = c.Snapshot.Clone()
	s.events[key] = append(s.events[key], c.Events...)
	for i := range c.History {
		s.historySeq++
		c.History[i].Sequence = s.historySeq
		s.history = append(s.history, c.History[i])
	}
	if c.Idempotency != nil {
		s.idempotency[c.Idempotency.IdempotencyKey] = *c.Idempotency
	}
	return nil
}

func (s *MemoryStore) ListFrom(_ context.Context, positionKey string, from time.Time) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.EventRecord
	for _, e := range s.events[positionKey] {
		if !e.EffectiveDate.Before(from) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, positionKey string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[positionKey]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := cps[len(cps)-1]
	cp.Snapshot = cp.Snapshot.Clone()
	return &cp, nil
}

func (s *MemoryStore) Archive(_ context.Context, cp *model.Checkpoint, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if snap, ok := s.snapshots[cp.PositionKey]; ok {
		current = snap.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: %s expected %d, stored %d", ErrVersionConflict, cp.PositionKey, expectedVersion, current)
	}

	stored := *cp
	stored.Snapshot = cp.Snapshot.Clone()
	s.checkpoints[cp.PositionKey] = append(s.checkpoints[cp.PositionKey], stored)

	at := s.now().UTC()
	events := s.events[cp.PositionKey]
	for i := range events {
		if events[i].Archived || !events[i].EffectiveDate.Before(cp.EffectiveDate) {
			continue
		}
		events[i].Archived = true
		events[i].ArchivedAt = &at
		for k, rec := range s.idempotency {
			if rec.TradeID == events[i].TradeID {
				rec.Archived = true
				s.idempotency[k] = rec
			}
		}
	}
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, rec *model.UPIHistoryRecord) error {
	if rec.PositionKey == "" {
		return ErrHistoryTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historySeq++
	rec.Sequence = s.historySeq
	s.history = append(s.history, *rec)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, positionKey string) ([]model.UPIHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.UPIHistoryRecord
	for _, r := range s.history {
		if r.PositionKey == positionKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) IdempotencyRecord(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) SaveIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[rec.IdempotencyKey]; ok && existing.Status == model.IdempotencyProcessed {
		if rec.Status == model.IdempotencyProcessed {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, rec.IdempotencyKey)
	}
	s.idempotency[rec.IdempotencyKey] = *rec
	return nil
}

func sortEvents(events []model.EventRecord) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].EffectiveDate.Equal(events[j].EffectiveDate) {
			return events[i].EffectiveDate.Before(events[j].EffectiveDate)
		}
		return events[i].Sequence < events[j].Sequence
	})
}
