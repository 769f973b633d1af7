// Package sqldriver implements storage.Driver over database/sql. Queries are
// built with ent's dialect-aware SQL builders so the same code serves SQLite
// and PostgreSQL.
package sqldriver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/agentdbg/pkg/storage"
)

// Driver provides storage operations over a *sql.DB. It is embedded by the
// concrete sqlite and postgres drivers.
type Driver struct {
	DB *sql.DB

	dialect string
	b       *entsql.DialectBuilder
}

var (
	_ storage.Driver            = (*Driver)(nil)
	_ storage.RecordingImporter = (*Driver)(nil)
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New wraps db and creates the schema when missing. dialectName is one of
// dialect.SQLite or dialect.Postgres.
func New(ctx context.Context, db *sql.DB, dialectName string) (*Driver, error) {
	switch dialectName {
	case dialect.SQLite, dialect.Postgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialectName)
	}

	d := &Driver{
		DB:      db,
		dialect: dialectName,
		b:       entsql.Dialect(dialectName),
	}
	if err := d.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

// migrate creates the necessary tables if they don't exist.
func (d *Driver) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// schema is portable across SQLite and PostgreSQL. Timestamps are unix
// nanoseconds and structured values are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		finished BOOLEAN NOT NULL DEFAULT FALSE,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		input TEXT NOT NULL,
		result TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_agent_id ON recordings(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at)`,

	`CREATE TABLE IF NOT EXISTS recording_events (
		id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		occurred_at BIGINT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recording_events_recording_seq ON recording_events(recording_id, seq)`,

	`CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL,
		annotation_type TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_recording_id ON annotations(recording_id)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		ended_at BIGINT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		input TEXT NOT NULL,
		result TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		recording_id TEXT NOT NULL DEFAULT '',
		replay_of TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS execution_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		occurred_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_steps_session_id ON execution_steps(session_id)`,

	`CREATE TABLE IF NOT EXISTS breakpoints (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		bp_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		line INTEGER NOT NULL DEFAULT 0,
		bp_condition TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		hit_count INTEGER NOT NULL DEFAULT 0,
		last_hit_at BIGINT,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		params TEXT NOT NULL,
		called_at BIGINT NOT NULL,
		result TEXT NOT NULL DEFAULT 'null',
		error_message TEXT NOT NULL DEFAULT '',
		mocked BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		responded_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_session_id ON tool_calls(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_tool_name ON tool_calls(tool_name)`,

	`CREATE TABLE IF NOT EXISTS memory_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		taken_at BIGINT NOT NULL,
		variables TEXT NOT NULL,
		stack TEXT NOT NULL,
		heap_bytes BIGINT NOT NULL DEFAULT 0,
		external_bytes BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_snapshots_session_id ON memory_snapshots(session_id)`,
}

// Close closes the database.
func (d *Driver) Close() error {
	return d.DB.Close()
}

func (d *Driver) exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, query, args...)
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(data), nil
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (d *Driver) count(ctx context.Context, table string, where *entsql.Predicate) (int, error) {
	sel := d.b.Select(entsql.Count("*")).From(d.b.Table(table))
	if where != nil {
		sel = sel.Where(where)
	}
	query, args := sel.Query()

	var n int
	if err := d.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
