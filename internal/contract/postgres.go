package contract

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/lots"
)

// PostgresSource reads the contract_rules table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a rule source backed by PostgreSQL.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) LoadRules(ctx context.Context) ([]Rules, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT contract_id, allocation_method,
		        max_price::TEXT, max_trade_quantity::TEXT, max_position_quantity::TEXT
		 FROM contract_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rules
	for rows.Next() {
		var r Rules
		var method, maxPrice, maxTrade, maxPos string
		if err := rows.Scan(&r.ContractID, &method, &maxPrice, &maxTrade, &maxPos); err != nil {
			return nil, err
		}
		r.Method = lots.Method(method)
		r.MaxPrice, _ = decimal.NewFromString(maxPrice)
		r.MaxTradeQuantity, _ = decimal.NewFromString(maxTrade)
		r.MaxPositionQuantity, _ = decimal.NewFromString(maxPos)
		out = append(out, r)
	}
	return out, rows.Err()
}
