package debugger

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var defaultMaxTimelineEvents = 10000

// EventKind classifies timeline events.
type EventKind string

const (
	EventExecutionStart EventKind = "execution_start"
	EventExecutionEnd   EventKind = "execution_end"
	EventToolCall       EventKind = "tool_call"
	EventToolResponse   EventKind = "tool_response"
	EventBreakpointHit  EventKind = "breakpoint_hit"
	EventStateChange    EventKind = "state_change"
	EventCheckpoint     EventKind = "checkpoint"
	EventLog            EventKind = "log"
)

// TimelineEvent is one cross session engine event.
type TimelineEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"sessionId"`
	Payload    any       `json:"payload,omitempty"`
	DurationMs *int64    `json:"durationMs,omitempty"`
}

// TimelineQuery filters timeline events. Zero fields match everything.
type TimelineQuery struct {
	SessionID string
	Kinds     []EventKind
	From      time.Time
	To        time.Time
	Limit     int
}

// TimelineStats aggregates the timeline.
type TimelineStats struct {
	Total         int               `json:"total"`
	ByKind        map[EventKind]int `json:"byKind"`
	BySession     map[string]int    `json:"bySession"`
	AvgDurationMs float64           `json:"avgDurationMs"`
}

// Timeline is a capped, append-only event log. When full the oldest events
// are dropped.
type Timeline struct {
	clock clock.Clock
	max   int

	mu     sync.RWMutex
	events []TimelineEvent
}

// NewTimeline creates a timeline holding at most max events.
func NewTimeline(clk clock.Clock, max int) *Timeline {
	if clk == nil {
		clk = clock.New()
	}
	if max <= 0 {
		max = defaultMaxTimelineEvents
	}
	return &Timeline{clock: clk, max: max}
}

// Add appends an event stamped with the current time.
func (t *Timeline) Add(kind EventKind, sessionID string, payload any) TimelineEvent {
	return t.add(kind, sessionID, payload, nil)
}

// AddWithDuration appends an event that carries a duration.
func (t *Timeline) AddWithDuration(kind EventKind, sessionID string, payload any, d time.Duration) TimelineEvent {
	ms := d.Milliseconds()
	return t.add(kind, sessionID, payload, &ms)
}

func (t *Timeline) add(kind EventKind, sessionID string, payload any, durationMs *int64) TimelineEvent {
	ev := TimelineEvent{
		ID:         uuid.NewString(),
		Timestamp:  t.clock.Now(),
		Kind:       kind,
		SessionID:  sessionID,
		Payload:    payload,
		DurationMs: durationMs,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	if over := len(t.events) - t.max; over > 0 {
		t.events = slices.Clone(t.events[over:])
	}
	return ev
}

// Len returns the number of retained events.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Query returns matching events oldest first. A positive Limit keeps the
// most recent matches.
func (t *Timeline) Query(q TimelineQuery) []TimelineEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := lo.Filter(t.events, func(ev TimelineEvent, _ int) bool {
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			return false
		}
		if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, ev.Kind) {
			return false
		}
		if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && ev.Timestamp.After(q.To) {
			return false
		}
		return true
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Stats aggregates every retained event. The mean duration only counts events
// that carry one.
func (t *Timeline) Stats() TimelineStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TimelineStats{
		Total:     len(t.events),
		ByKind:    map[EventKind]int{},
		BySession: map[string]int{},
	}
	var (
		sum   int64
		count int
	)
	for _, ev := range t.events {
		stats.ByKind[ev.Kind]++
		if ev.SessionID != "" {
			stats.BySession[ev.SessionID]++
		}
		if ev.DurationMs != nil {
			sum += *ev.DurationMs
			count++
		}
	}
	if count > 0 {
		stats.AvgDurationMs = float64(sum) / float64(count)
	}
	return stats
}

// Clear drops every event of a session, or everything when sessionID is empty.
func (t *Timeline) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sessionID == "" {
		t.events = nil
		return
	}
	t.events = slices.DeleteFunc(t.events, func(ev TimelineEvent) bool { return ev.SessionID == sessionID })
}
