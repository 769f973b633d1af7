// Package inmemory provides a map-backed storage driver, used in tests and as
// the default ephemeral mode.
package inmemory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

// Driver implements storage.Driver using in-memory maps.
type Driver struct {
	// mu guards every map below
	mu sync.RWMutex

	recordings  map[string]*recording.Recording
	events      map[string][]recording.Event
	annotations map[string][]recording.Annotation

	sessions    map[string]storage.SessionRow
	steps       map[string][]storage.StepRow
	breakpoints map[string]map[string]protocol.Breakpoint
	toolCalls   map[string]*toolCallRow
	snapshots   map[string][]storage.SnapshotRow
}

type toolCallRow struct {
	call protocol.ToolCall
	resp *protocol.ToolResponse
}

var (
	_ storage.Driver            = (*Driver)(nil)
	_ storage.RecordingImporter = (*Driver)(nil)
)

// NewDriver creates a new in-memory store.
func NewDriver() *Driver {
	return &Driver{
		recordings:  make(map[string]*recording.Recording),
		events:      make(map[string][]recording.Event),
		annotations: make(map[string][]recording.Annotation),
		sessions:    make(map[string]storage.SessionRow),
		steps:       make(map[string][]storage.StepRow),
		breakpoints: make(map[string]map[string]protocol.Breakpoint),
		toolCalls:   make(map[string]*toolCallRow),
		snapshots:   make(map[string][]storage.SnapshotRow),
	}
}

// CreateRecording stores a new recording.
func (d *Driver) CreateRecording(_ context.Context, rec *recording.Recording) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[rec.ID]; ok {
		return errors.New("recording already exists: " + rec.ID)
	}
	d.recordings[rec.ID] = rec.Clone()
	return nil
}

// UpdateRecording overwrites recording metadata.
func (d *Driver) UpdateRecording(_ context.Context, rec *recording.Recording) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[rec.ID]; !ok {
		return storage.NotFoundError{Kind: "recording", ID: rec.ID}
	}
	d.recordings[rec.ID] = rec.Clone()
	return nil
}

// GetRecording retrieves a recording by id.
func (d *Driver) GetRecording(_ context.Context, id string) (*recording.Recording, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.recordings[id]
	if !ok {
		return nil, storage.NotFoundError{Kind: "recording", ID: id}
	}
	return rec.Clone(), nil
}

// ListRecordings returns recordings matching q.
func (d *Driver) ListRecordings(_ context.Context, q storage.RecordingQuery) ([]*recording.Recording, error) {
	d.mu.RLock()
	all := lo.Values(d.recordings)
	d.mu.RUnlock()

	matched := lo.Filter(all, func(r *recording.Recording, _ int) bool {
		if q.AgentID != "" && r.AgentID != q.AgentID {
			return false
		}
		return storage.MatchTag(r.Tags, q.Tag)
	})

	slices.SortStableFunc(matched, func(a, b *recording.Recording) int {
		c := a.StartedAt.Compare(b.StartedAt)
		if c == 0 {
			c = compareStrings(a.ID, b.ID)
		}
		if q.Oldest {
			return c
		}
		return -c
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return lo.Map(matched, func(r *recording.Recording, _ int) *recording.Recording { return r.Clone() }), nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CountRecordings returns the number of stored recordings.
func (d *Driver) CountRecordings(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.recordings), nil
}

// DeleteRecording removes a recording with its events and annotations.
func (d *Driver) DeleteRecording(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[id]; !ok {
		return storage.NotFoundError{Kind: "recording", ID: id}
	}
	delete(d.recordings, id)
	delete(d.events, id)
	delete(d.annotations, id)
	return nil
}

// AppendEvent stores an event.
func (d *Driver) AppendEvent(_ context.Context, ev *recording.Event) error {
	if ev == nil {
		return errors.New("cannot store nil event")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[ev.RecordingID]; !ok {
		return storage.NotFoundError{Kind: "recording", ID: ev.RecordingID}
	}
	d.events[ev.RecordingID] = append(d.events[ev.RecordingID], *ev)
	return nil
}

// ImportRecording stores a recording with its events and annotations under a
// single lock.
func (d *Driver) ImportRecording(_ context.Context, rec *recording.Recording, events []recording.Event, annotations []recording.Annotation) error {
	if rec == nil {
		return errors.New("cannot store nil recording")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[rec.ID]; ok {
		return errors.New("recording already exists: " + rec.ID)
	}
	d.recordings[rec.ID] = rec.Clone()
	d.events[rec.ID] = slices.Clone(events)
	d.annotations[rec.ID] = slices.Clone(annotations)
	return nil
}

// Events returns the events of a recording ordered by sequence number.
func (d *Driver) Events(_ context.Context, recordingID string) ([]recording.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.recordings[recordingID]; !ok {
		return nil, storage.NotFoundError{Kind: "recording", ID: recordingID}
	}
	out := slices.Clone(d.events[recordingID])
	slices.SortStableFunc(out, func(a, b recording.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if out == nil {
		out = []recording.Event{}
	}
	return out, nil
}

// CountEvents counts the events of a recording of one kind.
func (d *Driver) CountEvents(_ context.Context, recordingID string, kind recording.EventKind) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.CountBy(d.events[recordingID], func(ev recording.Event) bool { return ev.Kind == kind }), nil
}

// AddAnnotation stores an annotation.
func (d *Driver) AddAnnotation(_ context.Context, a *recording.Annotation) error {
	if a == nil {
		return errors.New("cannot store nil annotation")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[a.RecordingID]; !ok {
		return storage.NotFoundError{Kind: "recording", ID: a.RecordingID}
	}
	d.annotations[a.RecordingID] = append(d.annotations[a.RecordingID], *a)
	return nil
}

// Annotations returns the annotations of a recording.
func (d *Driver) Annotations(_ context.Context, recordingID string) ([]recording.Annotation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := slices.Clone(d.annotations[recordingID])
	if out == nil {
		out = []recording.Annotation{}
	}
	return out, nil
}

// DeleteAnnotation removes one annotation.
func (d *Driver) DeleteAnnotation(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for recID, list := range d.annotations {
		idx := slices.IndexFunc(list, func(a recording.Annotation) bool { return a.ID == id })
		if idx >= 0 {
			d.annotations[recID] = slices.Delete(list, idx, idx+1)
			return nil
		}
	}
	return storage.NotFoundError{Kind: "annotation", ID: id}
}

// UpsertSession inserts or replaces a session row.
func (d *Driver) UpsertSession(_ context.Context, s *storage.SessionRow) error {
	if s == nil {
		return errors.New("cannot store nil session")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID] = *s
	return nil
}

// AppendStep records an execution step.
func (d *Driver) AppendStep(_ context.Context, step *storage.StepRow) error {
	if step == nil {
		return errors.New("cannot store nil step")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps[step.SessionID] = append(d.steps[step.SessionID], *step)
	return nil
}

// UpsertBreakpoint inserts or replaces a breakpoint.
func (d *Driver) UpsertBreakpoint(_ context.Context, sessionID string, bp *protocol.Breakpoint) error {
	if bp == nil {
		return errors.New("cannot store nil breakpoint")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.breakpoints[sessionID] == nil {
		d.breakpoints[sessionID] = make(map[string]protocol.Breakpoint)
	}
	d.breakpoints[sessionID][bp.ID] = *bp.Clone()
	return nil
}

// InsertToolCall records an issued tool call.
func (d *Driver) InsertToolCall(_ context.Context, call *protocol.ToolCall) error {
	if call == nil {
		return errors.New("cannot store nil tool call")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.toolCalls[call.ID]; ok {
		return nil
	}
	d.toolCalls[call.ID] = &toolCallRow{call: *call}
	return nil
}

// CompleteToolCall attaches a response to a recorded call.
func (d *Driver) CompleteToolCall(_ context.Context, resp *protocol.ToolResponse) error {
	if resp == nil {
		return errors.New("cannot store nil tool response")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.toolCalls[resp.CallID]
	if !ok {
		return storage.NotFoundError{Kind: "tool call", ID: resp.CallID}
	}
	r := *resp
	row.resp = &r
	return nil
}

// InsertSnapshot records a memory snapshot.
func (d *Driver) InsertSnapshot(_ context.Context, snap *storage.SnapshotRow) error {
	if snap == nil {
		return errors.New("cannot store nil snapshot")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots[snap.SessionID] = append(d.snapshots[snap.SessionID], *snap)
	return nil
}

// SessionSummary aggregates the journal of one session.
func (d *Driver) SessionSummary(_ context.Context, sessionID string) (*storage.SessionSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row, ok := d.sessions[sessionID]
	if !ok {
		return nil, storage.NotFoundError{Kind: "session", ID: sessionID}
	}

	sum := &storage.SessionSummary{
		Session:     row,
		Steps:       len(d.steps[sessionID]),
		Breakpoints: len(d.breakpoints[sessionID]),
		Snapshots:   len(d.snapshots[sessionID]),
	}
	for _, bp := range d.breakpoints[sessionID] {
		sum.BreakpointHits += bp.HitCount
	}
	for _, tc := range d.toolCalls {
		if tc.call.SessionID != sessionID {
			continue
		}
		sum.ToolCalls++
		if tc.resp == nil {
			continue
		}
		if tc.resp.Error != "" {
			sum.FailedToolCalls++
		}
		if tc.resp.Mocked {
			sum.MockedToolCalls++
		}
	}
	return sum, nil
}

// ToolStats aggregates tool calls by tool name, ordered by name.
func (d *Driver) ToolStats(_ context.Context) ([]storage.ToolStat, error) {
	d.mu.RLock()
	rows := lo.Values(d.toolCalls)
	d.mu.RUnlock()

	grouped := lo.GroupBy(rows, func(tc *toolCallRow) string { return tc.call.ToolName })
	stats := lo.MapToSlice(grouped, func(name string, calls []*toolCallRow) storage.ToolStat {
		st := storage.ToolStat{ToolName: name, Calls: len(calls)}
		var total int64
		for _, tc := range calls {
			if tc.resp == nil {
				continue
			}
			if tc.resp.Error != "" {
				st.Errors++
			}
			if tc.resp.Mocked {
				st.Mocked++
			}
			total += tc.resp.DurationMs
		}
		st.AvgDurationMs = float64(total) / float64(len(calls))
		return st
	})
	slices.SortFunc(stats, func(a, b storage.ToolStat) int { return compareStrings(a.ToolName, b.ToolName) })
	return stats, nil
}

// Close is a no-op.
func (d *Driver) Close() error {
	return nil
}
