package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/toolbridge/internal/broker"
)

// Store persists the audit log of terminal task transitions. The broker is
// correct without it; rows are never read back for recovery.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Write inserts one terminal task event. Duplicate event IDs are ignored so
// redelivery is harmless.
func (s *Store) Write(ctx context.Context, ev broker.TaskEvent) error {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO task_audit (event_id, event_type, task_id, tool_name, state, agent_id, error, occurred_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.TaskID, ev.ToolName, string(ev.State), nullable(ev.AgentID), nullable(ev.Error), occurred)
	if err != nil {
		return fmt.Errorf("insert task_audit: %w", err)
	}
	return nil
}

// CountByState returns terminal transition counts grouped by state, for
// operational inspection.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM task_audit GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count task_audit: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var _ broker.AuditSink = (*Store)(nil)
