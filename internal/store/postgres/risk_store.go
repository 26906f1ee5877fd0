package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dexquant/tradebot/internal/domain"
)

// RiskStore implements domain.RiskSnapshotStore using PostgreSQL. Snapshots
// are stored whole as JSONB; events get first-class columns so they can be
// queried by time and severity.
type RiskStore struct {
	pool *pgxpool.Pool
}

// NewRiskStore creates a RiskStore backed by the given connection pool.
func NewRiskStore(pool *pgxpool.Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

// InsertSnapshot appends one risk state snapshot.
func (s *RiskStore) InsertSnapshot(ctx context.Context, snap domain.RiskStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal risk snapshot: %w", err)
	}

	const query = `
		INSERT INTO risk_snapshots (emergency_active, snapshot, created_at)
		VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, snap.EmergencyActive, data, snap.Timestamp); err != nil {
		return fmt.Errorf("postgres: insert risk snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent persisted snapshot. It returns
// domain.ErrNotFound when none has been written yet.
func (s *RiskStore) LatestSnapshot(ctx context.Context) (domain.RiskStateSnapshot, error) {
	const query = `
		SELECT snapshot FROM risk_snapshots
		ORDER BY created_at DESC
		LIMIT 1`

	var data []byte
	if err := s.pool.QueryRow(ctx, query).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskStateSnapshot{}, domain.ErrNotFound
		}
		return domain.RiskStateSnapshot{}, fmt.Errorf("postgres: latest risk snapshot: %w", err)
	}

	var snap domain.RiskStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.RiskStateSnapshot{}, fmt.Errorf("postgres: unmarshal risk snapshot: %w", err)
	}
	return snap, nil
}

// InsertEvent appends one risk event.
func (s *RiskStore) InsertEvent(ctx context.Context, ev domain.RiskEvent) error {
	const query = `
		INSERT INTO risk_events (id, level, metric, value, limit_value, severity, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, string(ev.Level), ev.Metric, ev.Value, ev.Limit, ev.Severity, ev.Action, ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert risk event %s: %w", ev.ID, err)
	}
	return nil
}

// RecentEvents returns events at or after since, newest first, capped at
// limit when limit is positive.
func (s *RiskStore) RecentEvents(ctx context.Context, since time.Time, limit int) ([]domain.RiskEvent, error) {
	query := `
		SELECT id, level, metric, value, limit_value, severity, action, detail, created_at
		FROM risk_events
		WHERE created_at >= $1
		ORDER BY created_at DESC`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent risk events: %w", err)
	}
	defer rows.Close()

	var events []domain.RiskEvent
	for rows.Next() {
		var ev domain.RiskEvent
		var level string
		if err := rows.Scan(&ev.ID, &level, &ev.Metric, &ev.Value, &ev.Limit,
			&ev.Severity, &ev.Action, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan risk event: %w", err)
		}
		ev.Level = domain.BreachLevel(level)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent risk events rows: %w", err)
	}
	return events, nil
}

// PruneSnapshots deletes snapshots older than the retention window and
// returns the number removed.
func (s *RiskStore) PruneSnapshots(ctx context.Context, keep time.Duration) (int64, error) {
	const query = `DELETE FROM risk_snapshots WHERE created_at < $1`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC().Add(-keep))
	if err != nil {
		return 0, fmt.Errorf("postgres: prune risk snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.RiskSnapshotStore = (*RiskStore)(nil)
