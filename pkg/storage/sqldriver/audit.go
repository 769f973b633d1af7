package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var sessionColumns = []string{
	"id", "agent_id", "state", "created_at", "ended_at", "duration_ms",
	"input", "result", "error_message", "recording_id", "replay_of",
}

// UpsertSession inserts or replaces a session row.
func (d *Driver) UpsertSession(ctx context.Context, s *storage.SessionRow) error {
	if s == nil {
		return errors.New("cannot store nil session")
	}
	input, err := toJSON(s.Input)
	if err != nil {
		return err
	}
	result, err := toJSON(s.Result)
	if err != nil {
		return err
	}

	query, args := d.b.Insert("sessions").
		Columns(sessionColumns...).
		Values(s.ID, s.AgentID, string(s.State), nanos(s.CreatedAt), nullNanos(s.EndedAt), s.DurationMs,
			input, result, s.Error, s.RecordingID, s.ReplayOf).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := d.exec(ctx, query, args); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (d *Driver) getSession(ctx context.Context, id string) (*storage.SessionRow, error) {
	query, args := d.b.Select(sessionColumns...).
		From(d.b.Table("sessions")).
		Where(entsql.EQ("id", id)).
		Query()

	var (
		row           storage.SessionRow
		state         string
		createdAt     int64
		endedAt       sql.NullInt64
		input, result string
	)
	err := d.DB.QueryRowContext(ctx, query, args...).Scan(
		&row.ID, &row.AgentID, &state, &createdAt, &endedAt, &row.DurationMs,
		&input, &result, &row.Error, &row.RecordingID, &row.ReplayOf,
	)
	if isNoRows(err) {
		return nil, storage.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	row.State = protocol.SessionState(state)
	row.CreatedAt = fromNanos(createdAt)
	row.EndedAt = fromNullNanos(endedAt)
	if err := fromJSON(input, &row.Input); err != nil {
		return nil, err
	}
	if err := fromJSON(result, &row.Result); err != nil {
		return nil, err
	}
	return &row, nil
}

// AppendStep records an execution step.
func (d *Driver) AppendStep(ctx context.Context, step *storage.StepRow) error {
	if step == nil {
		return errors.New("cannot store nil step")
	}
	payload, err := toJSON(step.Payload)
	if err != nil {
		return err
	}

	query, args := d.b.Insert("execution_steps").
		Columns("id", "session_id", "kind", "payload", "occurred_at").
		Values(step.ID, step.SessionID, step.Kind, payload, nanos(step.Timestamp)).
		Query()
	if _, err := d.exec(ctx, query, args); err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// UpsertBreakpoint inserts or replaces a breakpoint with its hit accounting.
func (d *Driver) UpsertBreakpoint(ctx context.Context, sessionID string, bp *protocol.Breakpoint) error {
	if bp == nil {
		return errors.New("cannot store nil breakpoint")
	}

	query, args := d.b.Insert("breakpoints").
		Columns("id", "session_id", "bp_type", "enabled", "location", "line", "bp_condition",
			"tool_name", "phase", "hit_count", "last_hit_at", "created_at").
		Values(bp.ID, sessionID, string(bp.Type), bp.Enabled, bp.Location, bp.Line, bp.Condition,
			bp.ToolName, bp.Phase, bp.HitCount, nullNanos(bp.LastHitAt), nanos(bp.CreatedAt)).
		OnConflict(entsql.ConflictColumns("session_id", "id"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := d.exec(ctx, query, args); err != nil {
		return fmt.Errorf("failed to upsert breakpoint: %w", err)
	}
	return nil
}

// InsertToolCall records an issued tool call. Inserting the same call twice
// is a no-op.
func (d *Driver) InsertToolCall(ctx context.Context, call *protocol.ToolCall) error {
	if call == nil {
		return errors.New("cannot store nil tool call")
	}
	params, err := toJSON(call.Params)
	if err != nil {
		return err
	}

	query, args := d.b.Insert("tool_calls").
		Columns("id", "session_id", "tool_name", "params", "called_at").
		Values(call.ID, call.SessionID, call.ToolName, params, nanos(call.Timestamp)).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing()).
		Query()
	if _, err := d.exec(ctx, query, args); err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// CompleteToolCall attaches a response to a recorded call.
func (d *Driver) CompleteToolCall(ctx context.Context, resp *protocol.ToolResponse) error {
	if resp == nil {
		return errors.New("cannot store nil tool response")
	}
	result, err := toJSON(resp.Result)
	if err != nil {
		return err
	}

	query, args := d.b.Update("tool_calls").
		Set("result", result).
		Set("error_message", resp.Error).
		Set("mocked", resp.Mocked).
		Set("duration_ms", resp.DurationMs).
		Set("responded_at", nanos(resp.Timestamp)).
		Where(entsql.EQ("id", resp.CallID)).
		Query()
	res, err := d.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFoundError{Kind: "tool call", ID: resp.CallID}
	}
	return nil
}

// InsertSnapshot records a memory snapshot.
func (d *Driver) InsertSnapshot(ctx context.Context, snap *storage.SnapshotRow) error {
	if snap == nil {
		return errors.New("cannot store nil snapshot")
	}
	vars, err := toJSON(snap.Variables)
	if err != nil {
		return err
	}
	stack, err := toJSON(snap.Stack)
	if err != nil {
		return err
	}

	query, args := d.b.Insert("memory_snapshots").
		Columns("id", "session_id", "name", "taken_at", "variables", "stack", "heap_bytes", "external_bytes").
		Values(snap.ID, snap.SessionID, snap.Name, nanos(snap.Timestamp), vars, stack, snap.HeapBytes, snap.ExternalBytes).
		Query()
	if _, err := d.exec(ctx, query, args); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// SessionSummary aggregates the journal of one session.
func (d *Driver) SessionSummary(ctx context.Context, sessionID string) (*storage.SessionSummary, error) {
	row, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sum := &storage.SessionSummary{Session: *row}

	if sum.Steps, err = d.count(ctx, "execution_steps", entsql.EQ("session_id", sessionID)); err != nil {
		return nil, err
	}
	if sum.Snapshots, err = d.count(ctx, "memory_snapshots", entsql.EQ("session_id", sessionID)); err != nil {
		return nil, err
	}

	query, args := d.b.Select(
		entsql.Count("*"),
		"COALESCE(SUM(CASE WHEN error_message <> '' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN mocked THEN 1 ELSE 0 END), 0)",
	).From(d.b.Table("tool_calls")).Where(entsql.EQ("session_id", sessionID)).Query()
	if err := d.DB.QueryRowContext(ctx, query, args...).
		Scan(&sum.ToolCalls, &sum.FailedToolCalls, &sum.MockedToolCalls); err != nil {
		return nil, fmt.Errorf("failed to aggregate tool calls: %w", err)
	}

	query, args = d.b.Select(entsql.Count("*"), "COALESCE(SUM(hit_count), 0)").
		From(d.b.Table("breakpoints")).
		Where(entsql.EQ("session_id", sessionID)).
		Query()
	if err := d.DB.QueryRowContext(ctx, query, args...).Scan(&sum.Breakpoints, &sum.BreakpointHits); err != nil {
		return nil, fmt.Errorf("failed to aggregate breakpoints: %w", err)
	}

	return sum, nil
}

// ToolStats aggregates tool calls by tool name, ordered by name.
func (d *Driver) ToolStats(ctx context.Context) ([]storage.ToolStat, error) {
	query, args := d.b.Select(
		"tool_name",
		entsql.Count("*"),
		"SUM(CASE WHEN error_message <> '' THEN 1 ELSE 0 END)",
		"SUM(CASE WHEN mocked THEN 1 ELSE 0 END)",
		"SUM(duration_ms)",
	).From(d.b.Table("tool_calls")).GroupBy("tool_name").OrderBy(entsql.Asc("tool_name")).Query()

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool stats: %w", err)
	}
	defer rows.Close()

	out := []storage.ToolStat{}
	for rows.Next() {
		var (
			st    storage.ToolStat
			total int64
		)
		if err := rows.Scan(&st.ToolName, &st.Calls, &st.Errors, &st.Mocked, &total); err != nil {
			return nil, fmt.Errorf("failed to scan tool stats: %w", err)
		}
		if st.Calls > 0 {
			st.AvgDurationMs = float64(total) / float64(st.Calls)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
