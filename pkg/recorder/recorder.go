// Package recorder persists the trace of each debugging session as a
// recording: sequence-stamped events, final metadata, annotations, and
// export/import of self-contained bundles.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var (
	// ErrRecordingNotFound is returned when an operation names an unknown
	// recording.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrInvalidAnnotation is returned for annotations with an unknown type or
	// no text.
	ErrInvalidAnnotation = errors.New("invalid annotation")

	// ErrAnnotationNotFound is returned when deleting an unknown annotation.
	ErrAnnotationNotFound = errors.New("annotation not found")
)

const defaultMaxRecordings = 1000

// EventSink receives every event after it has been stored.
type EventSink interface {
	RecordingEvent(rec *recording.Recording, ev *recording.Event)
}

// Config is the configuration for a Recorder.
type Config struct {
	// Store persists recordings. Required.
	Store storage.RecordingStore

	// MaxRecordings caps retained recordings when AutoCleanup is set.
	MaxRecordings int

	// AutoCleanup evicts the oldest recordings beyond MaxRecordings each time
	// a recording finishes or is imported.
	AutoCleanup bool

	// Sink is optional.
	Sink EventSink

	Clock  clock.Clock
	Logger *zap.Logger
}

// Recorder owns the open recordings of live sessions.
type Recorder struct {
	config *Config
	store  storage.RecordingStore
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*openRecording
}

type openRecording struct {
	rec *recording.Recording
	seq int64
}

// New creates a Recorder.
func New(c *Config) (*Recorder, error) {
	if c.Store == nil {
		return nil, errors.New("recorder requires a store")
	}
	if c.MaxRecordings <= 0 {
		c.MaxRecordings = defaultMaxRecordings
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return &Recorder{
		config: c,
		store:  c.Store,
		clock:  c.Clock,
		logger: c.Logger,
		open:   map[string]*openRecording{},
	}, nil
}

// Start opens a recording for a session and resets its sequence counter. A
// recording already open for the session is replaced.
func (r *Recorder) Start(ctx context.Context, sessionID, agentID string, input any, tags ...string) (string, error) {
	input, err := recording.Normalize(input)
	if err != nil {
		return "", fmt.Errorf("could not start recording: input: %w", err)
	}
	rec := &recording.Recording{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AgentID:   agentID,
		StartedAt: r.clock.Now(),
		Input:     input,
		Tags:      append([]string{}, tags...),
	}
	if err := r.store.CreateRecording(ctx, rec); err != nil {
		return "", fmt.Errorf("could not start recording: %w", err)
	}

	r.mu.Lock()
	r.open[sessionID] = &openRecording{rec: rec}
	r.mu.Unlock()

	r.logger.Debug("recording started",
		zap.String("recording_id", rec.ID),
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
	)
	return rec.ID, nil
}

// OpenRecordingID returns the id of the recording open for a session.
func (r *Recorder) OpenRecordingID(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.open[sessionID]
	if !ok {
		return "", false
	}
	return o.rec.ID, true
}

// RecordEvent appends a sequence-stamped event to the session's open
// recording. It is a no-op when the session has none.
func (r *Recorder) RecordEvent(ctx context.Context, sessionID string, kind recording.EventKind, payload any) error {
	payload, err := recording.Normalize(payload)
	if err != nil {
		return fmt.Errorf("could not record %s event: %w", kind, err)
	}

	r.mu.Lock()
	o, ok := r.open[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	o.seq++
	ev := &recording.Event{
		ID:          uuid.NewString(),
		RecordingID: o.rec.ID,
		Seq:         o.seq,
		Timestamp:   r.clock.Now(),
		Kind:        kind,
		Payload:     payload,
	}
	rec := o.rec.Clone()

	// storing under the lock keeps events of a session in sequence order
	err = r.store.AppendEvent(ctx, ev)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("could not record event: %w", err)
	}

	if r.config.Sink != nil {
		r.config.Sink.RecordingEvent(rec, ev)
	}
	return nil
}

// Finish closes the session's recording with its final metadata.
func (r *Recorder) Finish(ctx context.Context, sessionID string, duration time.Duration, success bool, result any, errMsg string) (*recording.Recording, error) {
	r.mu.Lock()
	o, ok := r.open[sessionID]
	if ok {
		delete(r.open, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no open recording for session %s", ErrRecordingNotFound, sessionID)
	}

	rec := o.rec
	calls, err := r.store.CountEvents(ctx, rec.ID, recording.EventToolCall)
	if err != nil {
		return nil, fmt.Errorf("could not count tool calls: %w", err)
	}

	rec.DurationMs = duration.Milliseconds()
	rec.Success = success
	rec.Finished = true
	rec.ToolCalls = calls
	rec.Result, err = recording.Normalize(result)
	if err != nil {
		r.logger.Warn("recording result is not JSON encodable",
			zap.String("recording_id", rec.ID),
			zap.Error(err),
		)
		rec.Result = fmt.Sprintf("%v", result)
	}
	rec.Error = errMsg
	if err := r.store.UpdateRecording(ctx, rec); err != nil {
		return nil, fmt.Errorf("could not finish recording: %w", err)
	}

	r.logger.Debug("recording finished",
		zap.String("recording_id", rec.ID),
		zap.String("session_id", sessionID),
		zap.Bool("success", success),
		zap.Int("tool_calls", calls),
	)

	if r.config.AutoCleanup {
		if _, err := r.Cleanup(ctx); err != nil {
			r.logger.Warn("recording cleanup failed", zap.Error(err))
		}
	}
	return rec.Clone(), nil
}

// Cleanup evicts the oldest recordings beyond the configured cap. Open
// recordings are never evicted.
func (r *Recorder) Cleanup(ctx context.Context) (int, error) {
	return r.cleanup(ctx)
}

func (r *Recorder) cleanup(ctx context.Context, keep ...string) (int, error) {
	total, err := r.store.CountRecordings(ctx)
	if err != nil {
		return 0, err
	}
	excess := total - r.config.MaxRecordings
	if excess <= 0 {
		return 0, nil
	}

	oldest, err := r.store.ListRecordings(ctx, storage.RecordingQuery{Oldest: true})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	live := make(map[string]bool, len(r.open)+len(keep))
	for _, o := range r.open {
		live[o.rec.ID] = true
	}
	r.mu.Unlock()
	for _, id := range keep {
		live[id] = true
	}

	evicted := 0
	for _, rec := range oldest {
		if evicted == excess {
			break
		}
		if live[rec.ID] {
			continue
		}
		if err := r.store.DeleteRecording(ctx, rec.ID); err != nil && !storage.IsNotFound(err) {
			return evicted, err
		}
		evicted++
		r.logger.Debug("recording evicted", zap.String("recording_id", rec.ID))
	}
	return evicted, nil
}

func wrapNotFound(err error, id string) error {
	if storage.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	return err
}

// Get returns a recording by id.
func (r *Recorder) Get(ctx context.Context, id string) (*recording.Recording, error) {
	rec, err := r.store.GetRecording(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, id)
	}
	return rec, nil
}

// List returns recordings matching q, newest first.
func (r *Recorder) List(ctx context.Context, q storage.RecordingQuery) ([]*recording.Recording, error) {
	recs, err := r.store.ListRecordings(ctx, q)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*recording.Recording{}
	}
	return recs, nil
}

// ByAgent returns the recordings of one agent.
func (r *Recorder) ByAgent(ctx context.Context, agentID string) ([]*recording.Recording, error) {
	return r.List(ctx, storage.RecordingQuery{AgentID: agentID})
}

// ByTag returns recordings with a tag containing tag. A recording matching
// through several tags is returned once.
func (r *Recorder) ByTag(ctx context.Context, tag string) ([]*recording.Recording, error) {
	return r.List(ctx, storage.RecordingQuery{Tag: tag})
}

// Events returns the events of a recording in sequence order.
func (r *Recorder) Events(ctx context.Context, id string) ([]recording.Event, error) {
	events, err := r.store.Events(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, id)
	}
	return events, nil
}

// Delete removes a recording with its events and annotations.
func (r *Recorder) Delete(ctx context.Context, id string) error {
	return wrapNotFound(r.store.DeleteRecording(ctx, id), id)
}

// Count returns the number of stored recordings.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	return r.store.CountRecordings(ctx)
}
