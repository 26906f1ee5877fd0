package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dexquant/tradebot/internal/domain"
)

// ExecutionStore persists arbitrage execution reports for later analysis.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Insert appends one execution report. The full report is kept as JSONB next
// to the queryable columns.
func (s *ExecutionStore) Insert(ctx context.Context, report domain.ExecutionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution report: %w", err)
	}

	const query = `
		INSERT INTO arb_executions (execution_id, opportunity_id, success, attempts, realized_profit, elapsed_ms, error, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		report.ExecutionID, report.OpportunityID, report.Success, report.Attempts,
		report.RealizedProfit, report.Elapsed.Milliseconds(), report.Error, data)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", report.ExecutionID, err)
	}
	return nil
}

// Recent returns the newest execution reports, capped at limit.
func (s *ExecutionStore) Recent(ctx context.Context, limit int) ([]domain.ExecutionReport, error) {
	const query = `
		SELECT report FROM arb_executions
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent executions: %w", err)
	}
	defer rows.Close()

	var reports []domain.ExecutionReport
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan execution report: %w", err)
		}
		var report domain.ExecutionReport
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal execution report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent executions rows: %w", err)
	}
	return reports, nil
}
