package sqldriver

import (
	"context"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var recordingColumns = []string{
	"id", "session_id", "agent_id", "started_at", "duration_ms", "success", "finished",
	"tool_calls", "input", "result", "error_message", "tags", "notes",
}

func recordingValues(rec *recording.Recording) ([]any, error) {
	input, err := toJSON(rec.Input)
	if err != nil {
		return nil, err
	}
	result, err := toJSON(rec.Result)
	if err != nil {
		return nil, err
	}
	tags, err := toJSON(lo.Ternary(rec.Tags == nil, []string{}, rec.Tags))
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, rec.SessionID, rec.AgentID, nanos(rec.StartedAt), rec.DurationMs, rec.Success, rec.Finished,
		rec.ToolCalls, input, result, rec.Error, tags, rec.Notes,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*recording.Recording, error) {
	var (
		rec                 recording.Recording
		startedAt           int64
		input, result, tags string
	)
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.AgentID, &startedAt, &rec.DurationMs, &rec.Success, &rec.Finished,
		&rec.ToolCalls, &input, &result, &rec.Error, &tags, &rec.Notes,
	)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = fromNanos(startedAt)
	if err := fromJSON(input, &rec.Input); err != nil {
		return nil, err
	}
	if err := fromJSON(result, &rec.Result); err != nil {
		return nil, err
	}
	if err := fromJSON(tags, &rec.Tags); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecording stores a new recording.
func (d *Driver) CreateRecording(ctx context.Context, rec *recording.Recording) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}
	values, err := recordingValues(rec)
	if err != nil {
		return err
	}

	return d.insertRecording(ctx, d.DB, values)
}

func (d *Driver) insertRecording(ctx context.Context, ex execer, values []any) error {
	query, args := d.b.Insert("recordings").Columns(recordingColumns...).Values(values...).Query()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// UpdateRecording overwrites recording metadata.
func (d *Driver) UpdateRecording(ctx context.Context, rec *recording.Recording) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}
	values, err := recordingValues(rec)
	if err != nil {
		return err
	}

	upd := d.b.Update("recordings")
	for i, col := range recordingColumns[1:] {
		upd.Set(col, values[i+1])
	}
	query, args := upd.Where(entsql.EQ("id", rec.ID)).Query()

	res, err := d.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFoundError{Kind: "recording", ID: rec.ID}
	}
	return nil
}

// GetRecording retrieves a recording by id.
func (d *Driver) GetRecording(ctx context.Context, id string) (*recording.Recording, error) {
	query, args := d.b.Select(recordingColumns...).
		From(d.b.Table("recordings")).
		Where(entsql.EQ("id", id)).
		Query()

	rec, err := scanRecording(d.DB.QueryRowContext(ctx, query, args...))
	if isNoRows(err) {
		return nil, storage.NotFoundError{Kind: "recording", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns recordings matching q. Tag matching runs after the
// query since tags are stored as a JSON list.
func (d *Driver) ListRecordings(ctx context.Context, q storage.RecordingQuery) ([]*recording.Recording, error) {
	sel := d.b.Select(recordingColumns...).From(d.b.Table("recordings"))
	if q.AgentID != "" {
		sel = sel.Where(entsql.EQ("agent_id", q.AgentID))
	}
	if q.Oldest {
		sel = sel.OrderBy(entsql.Asc("started_at"), entsql.Asc("id"))
	} else {
		sel = sel.OrderBy(entsql.Desc("started_at"), entsql.Desc("id"))
	}
	if q.Limit > 0 && q.Tag == "" {
		sel = sel.Limit(q.Limit)
	}
	query, args := sel.Query()

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var out []*recording.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		if !storage.MatchTag(rec.Tags, q.Tag) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountRecordings returns the number of stored recordings.
func (d *Driver) CountRecordings(ctx context.Context) (int, error) {
	return d.count(ctx, "recordings", nil)
}

// DeleteRecording removes a recording with its events and annotations.
func (d *Driver) DeleteRecording(ctx context.Context, id string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args := d.b.Delete("recordings").Where(entsql.EQ("id", id)).Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFoundError{Kind: "recording", ID: id}
	}

	for _, table := range []string{"recording_events", "annotations"} {
		query, args := d.b.Delete(table).Where(entsql.EQ("recording_id", id)).Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// AppendEvent stores an event.
func (d *Driver) AppendEvent(ctx context.Context, ev *recording.Event) error {
	if ev == nil {
		return errors.New("cannot store nil event")
	}
	return d.insertEvent(ctx, d.DB, ev)
}

func (d *Driver) insertEvent(ctx context.Context, ex execer, ev *recording.Event) error {
	payload, err := toJSON(ev.Payload)
	if err != nil {
		return err
	}

	query, args := d.b.Insert("recording_events").
		Columns("id", "recording_id", "seq", "occurred_at", "kind", "payload").
		Values(ev.ID, ev.RecordingID, ev.Seq, nanos(ev.Timestamp), string(ev.Kind), payload).
		Query()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events returns the events of a recording ordered by sequence number.
func (d *Driver) Events(ctx context.Context, recordingID string) ([]recording.Event, error) {
	if _, err := d.GetRecording(ctx, recordingID); err != nil {
		return nil, err
	}

	query, args := d.b.Select("id", "recording_id", "seq", "occurred_at", "kind", "payload").
		From(d.b.Table("recording_events")).
		Where(entsql.EQ("recording_id", recordingID)).
		OrderBy(entsql.Asc("seq")).
		Query()

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []recording.Event{}
	for rows.Next() {
		var (
			ev      recording.Event
			at      int64
			kind    string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.RecordingID, &ev.Seq, &at, &kind, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = fromNanos(at)
		ev.Kind = recording.EventKind(kind)
		if err := fromJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts the events of a recording of one kind.
func (d *Driver) CountEvents(ctx context.Context, recordingID string, kind recording.EventKind) (int, error) {
	return d.count(ctx, "recording_events", entsql.And(
		entsql.EQ("recording_id", recordingID),
		entsql.EQ("kind", string(kind)),
	))
}

// AddAnnotation stores an annotation.
func (d *Driver) AddAnnotation(ctx context.Context, a *recording.Annotation) error {
	if a == nil {
		return errors.New("cannot store nil annotation")
	}
	return d.insertAnnotation(ctx, d.DB, a)
}

func (d *Driver) insertAnnotation(ctx context.Context, ex execer, a *recording.Annotation) error {
	query, args := d.b.Insert("annotations").
		Columns("id", "recording_id", "event_id", "author", "annotation_type", "body", "created_at").
		Values(a.ID, a.RecordingID, a.EventID, a.Author, string(a.Type), a.Text, nanos(a.CreatedAt)).
		Query()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	return nil
}

// ImportRecording writes a recording with its events and annotations in one
// transaction.
func (d *Driver) ImportRecording(ctx context.Context, rec *recording.Recording, events []recording.Event, annotations []recording.Annotation) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}
	values, err := recordingValues(rec)
	if err != nil {
		return err
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := d.insertRecording(ctx, tx, values); err != nil {
		return err
	}
	for i := range events {
		if err := d.insertEvent(ctx, tx, &events[i]); err != nil {
			return err
		}
	}
	for i := range annotations {
		if err := d.insertAnnotation(ctx, tx, &annotations[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Annotations returns the annotations of a recording in creation order.
func (d *Driver) Annotations(ctx context.Context, recordingID string) ([]recording.Annotation, error) {
	query, args := d.b.Select("id", "recording_id", "event_id", "author", "annotation_type", "body", "created_at").
		From(d.b.Table("annotations")).
		Where(entsql.EQ("recording_id", recordingID)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id")).
		Query()

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer rows.Close()

	out := []recording.Annotation{}
	for rows.Next() {
		var (
			a   recording.Annotation
			typ string
			at  int64
		)
		if err := rows.Scan(&a.ID, &a.RecordingID, &a.EventID, &a.Author, &typ, &a.Text, &at); err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		a.Type = recording.AnnotationType(typ)
		a.CreatedAt = fromNanos(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAnnotation removes one annotation.
func (d *Driver) DeleteAnnotation(ctx context.Context, id string) error {
	query, args := d.b.Delete("annotations").Where(entsql.EQ("id", id)).Query()
	res, err := d.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to delete annotation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFoundError{Kind: "annotation", ID: id}
	}
	return nil
}
