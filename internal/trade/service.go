// Package trade provides the HTTP handlers for submitting trade events and
// inspecting, replaying and archiving positions.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/atmx/position-ledger/internal/ledger"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
)

// Positions is the read side the handlers need.
type Positions interface {
	Snapshot(ctx context.Context, positionKey string) (*model.PositionSnapshot, error)
	ListHistory(ctx context.Context, positionKey string) ([]model.UPIHistoryRecord, error)
}

// Service serves the ledger over HTTP.
type Service struct {
	engine    *ledger.Engine
	archiver  *ledger.Archiver
	positions Positions
	logger    *slog.Logger
}

// NewService creates the HTTP service. Pass nil for logger to use the default.
func NewService(e *ledger.Engine, a *ledger.Archiver, p Positions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: e, archiver: a, positions: p, logger: logger}
}

// Routes mounts the handlers on r, typically under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trades", s.ApplyTrade)
	r.Get("/positions/{positionKey}", s.GetPosition)
	r.Get("/positions/{positionKey}/history", s.GetHistory)
	r.Post("/positions/{positionKey}/replay", s.ReplayPosition)
	r.Post("/positions/{positionKey}/archive", s.ArchivePosition)
}

// --- Request/Response types ---

// TradeResponse is the JSON body returned from POST /trades.
type TradeResponse struct {
	TradeID       string `json:"trade_id"`
	CorrelationID string `json:"correlation_id"`
	ledger.Result
}

// RejectionResponse is the JSON body of a business-rule rejection.
type RejectionResponse struct {
	Error          string   `json:"error"`
	TradeID        string   `json:"trade_id"`
	FailingTradeID string   `json:"failing_trade_id,omitempty"`
	Errors         []string `json:"errors"`
}

// ArchiveRequest is the JSON body for POST /positions/{positionKey}/archive.
type ArchiveRequest struct {
	Before string `json:"before"` // YYYY-MM-DD
}

// --- HTTP Handlers ---

// ApplyTrade handles POST /api/v1/trades
func (s *Service) ApplyTrade(w http.ResponseWriter, r *http.Request) {
	var msg model.TradeMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := msg.Event()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = r.Header.Get("X-Correlation-ID")
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	res, err := s.engine.Apply(r.Context(), ev)
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, RejectionResponse{
			Error:          "trade rejected",
			TradeID:        ev.TradeID,
			FailingTradeID: verr.FailingTradeID,
			Errors:         verr.Errors,
		})
		return
	case errors.Is(err, ledger.ErrRetriesExhausted):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("apply failed",
			"trade_id", ev.TradeID, "position_key", ev.PositionKey,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, "failed to apply trade", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, TradeResponse{TradeID: ev.TradeID, CorrelationID: ev.CorrelationID, Result: res})
}

// GetPosition handles GET /api/v1/positions/{positionKey}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	snap, err := s.positions.Snapshot(r.Context(), key)
	if err != nil {
		s.logger.Error("load position failed", "position_key", key, "err", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory handles GET /api/v1/positions/{positionKey}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	recs, err := s.positions.ListHistory(r.Context(), key)
	if err != nil {
		s.logger.Error("load history failed", "position_key", key, "err", err)
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.UPIHistoryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ReplayPosition handles POST /api/v1/positions/{positionKey}/replay?from=YYYY-MM-DD
func (s *Service) ReplayPosition(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	var from time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := model.ParseDate(raw)
		if err != nil {
			writeError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		from = t
	}

	snap, err := s.engine.Replay(r.Context(), key, from)
	if err != nil {
		s.writeLedgerError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ArchivePosition handles POST /api/v1/positions/{positionKey}/archive
func (s *Service) ArchivePosition(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	before, err := model.ParseDate(req.Before)
	if err != nil {
		writeError(w, "before must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	cp, err := s.archiver.Archive(r.Context(), key, before)
	if err != nil {
		s.writeLedgerError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Service) writeLedgerError(w http.ResponseWriter, key string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.Is(err, ledger.ErrNoPosition):
		writeError(w, "position not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrArchivedPeriod), errors.Is(err, ledger.ErrArchiveRange):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, RejectionResponse{
			Error:          "event log no longer validates",
			FailingTradeID: verr.FailingTradeID,
			Errors:         verr.Errors,
		})
	case errors.Is(err, ledger.ErrRetriesExhausted), errors.Is(err, store.ErrVersionConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("ledger operation failed", "position_key", key, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// positionKey reads the URL parameter; keys like "ACC1|AAPL" arrive escaped.
func positionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "positionKey"))
	if err != nil || key == "" {
		writeError(w, "invalid position key", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
