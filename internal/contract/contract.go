// Package contract supplies per-contract trading rules: the tax-lot
// allocation method and the price and quantity limits a trade is checked
// against.
//
// Lookups are synchronous against a local table so the apply hotpath never
// blocks on I/O. The table is refreshed from a Source by a background loop.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/lots"
)

var (
	ErrInvalidRules = errors.New("contract: invalid rules")
)

// Rules are the trading rules of one contract. A zero limit means unlimited,
// except that the provider's default price cap always applies.
type Rules struct {
	ContractID          string          `json:"contract_id"`
	Method              lots.Method     `json:"allocation_method"`
	MaxPrice            decimal.Decimal `json:"max_price"`
	MaxTradeQuantity    decimal.Decimal `json:"max_trade_quantity"`
	MaxPositionQuantity decimal.Decimal `json:"max_position_quantity"`
}

// Validate checks that the rules are usable.
func (r Rules) Validate() error {
	if _, err := lots.ParseMethod(string(r.Method)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRules, r.ContractID, err)
	}
	if r.MaxPrice.IsNegative() || r.MaxTradeQuantity.IsNegative() || r.MaxPositionQuantity.IsNegative() {
		return fmt.Errorf("%w: %s: limits must not be negative", ErrInvalidRules, r.ContractID)
	}
	return nil
}

// Source loads the full rule table, e.g. from PostgreSQL.
type Source interface {
	LoadRules(ctx context.Context) ([]Rules, error)
}

// Provider serves rules from memory and refreshes them from a Source.
type Provider struct {
	mu       sync.RWMutex
	rules    map[string]Rules
	defaults Rules
	source   Source
	loadedAt time.Time
	logger   *slog.Logger
}

// NewProvider creates a provider. defaults apply to contracts missing from
// the table, and defaults.MaxPrice caps every contract; source may be nil for
// a static deployment. Pass nil for logger to use the default.
func NewProvider(defaults Rules, source Source, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		rules:    make(map[string]Rules),
		defaults: defaults,
		source:   source,
		logger:   logger,
	}
}

// capped applies the global price cap: a contract may tighten it but never
// lift it.
func (p *Provider) capped(r Rules) Rules {
	limit := p.defaults.MaxPrice
	if limit.IsPositive() && (!r.MaxPrice.IsPositive() || r.MaxPrice.GreaterThan(limit)) {
		r.MaxPrice = limit
	}
	return r
}

// Rules returns the rules for contractID, falling back to the defaults.
func (p *Provider) Rules(contractID string) Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if r, ok := p.rules[contractID]; ok {
		return r
	}
	r := p.defaults
	r.ContractID = contractID
	return r
}

// Set installs rules for a single contract.
func (p *Provider) Set(r Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.rules[r.ContractID] = p.capped(r)
	p.mu.Unlock()
	return nil
}

// Refresh reloads the table from the source. Invalid rows are skipped and
// logged; on a source error the current table is kept.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	loaded, err := p.source.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load contract rules: %w", err)
	}

	next := make(map[string]Rules, len(loaded))
	for _, r := range loaded {
		if err := r.Validate(); err != nil {
			p.logger.Warn("skipping contract rules", "contract", r.ContractID, "err", err)
			continue
		}
		next[r.ContractID] = p.capped(r)
	}

	p.mu.Lock()
	p.rules = next
	p.loadedAt = time.Now().UTC()
	p.mu.Unlock()

	p.logger.Debug("contract rules refreshed", "count", len(next))
	return nil
}

// Run refreshes every interval until ctx is done. Refresh failures are
// logged and retried on the next tick.
func (p *Provider) Run(ctx context.Context, interval time.Duration) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Error("initial contract rules refresh failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error("contract rules refresh failed", "err", err)
			}
		}
	}
}

// LoadedAt is when the table was last replaced from the source.
func (p *Provider) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

// StaticSource serves a fixed table, typically from configuration.
type StaticSource []Rules

func (s StaticSource) LoadRules(context.Context) ([]Rules, error) {
	return append([]Rules(nil), s...), nil
}
