// Package storage defines the persistence surface of the engine: recordings
// with their events and annotations, and the audit journal of sessions, steps,
// breakpoints, tool calls and memory snapshots.
package storage

import (
	"context"

	"github.com/papercomputeco/agentdbg/pkg/recording"
)

// Driver is a complete storage backend.
type Driver interface {
	RecordingStore
	AuditStore

	// Close closes the store and releases any resources.
	Close() error
}

// RecordingStore persists recordings, their events and annotations.
type RecordingStore interface {
	// CreateRecording stores a new recording.
	CreateRecording(ctx context.Context, rec *recording.Recording) error

	// UpdateRecording overwrites the metadata of an existing recording.
	UpdateRecording(ctx context.Context, rec *recording.Recording) error

	// GetRecording retrieves a recording by id.
	GetRecording(ctx context.Context, id string) (*recording.Recording, error)

	// ListRecordings returns recordings matching q, newest first unless
	// q.Oldest is set.
	ListRecordings(ctx context.Context, q RecordingQuery) ([]*recording.Recording, error)

	// CountRecordings returns the number of stored recordings.
	CountRecordings(ctx context.Context) (int, error)

	// DeleteRecording removes a recording with its events and annotations.
	DeleteRecording(ctx context.Context, id string) error

	// AppendEvent stores an event of an existing recording.
	AppendEvent(ctx context.Context, ev *recording.Event) error

	// Events returns the events of a recording in sequence order.
	Events(ctx context.Context, recordingID string) ([]recording.Event, error)

	// CountEvents counts the events of a recording of a given kind.
	CountEvents(ctx context.Context, recordingID string, kind recording.EventKind) (int, error)

	// AddAnnotation stores an annotation.
	AddAnnotation(ctx context.Context, a *recording.Annotation) error

	// Annotations returns the annotations of a recording in creation order.
	Annotations(ctx context.Context, recordingID string) ([]recording.Annotation, error)

	// DeleteAnnotation removes one annotation.
	DeleteAnnotation(ctx context.Context, id string) error
}

// RecordingImporter is implemented by stores that can write a recording with
// all of its events and annotations atomically: either everything is stored
// or nothing is.
type RecordingImporter interface {
	ImportRecording(ctx context.Context, rec *recording.Recording, events []recording.Event, annotations []recording.Annotation) error
}

// RecordingQuery filters recordings.
type RecordingQuery struct {
	// AgentID matches exactly when set.
	AgentID string

	// Tag is a case-sensitive substring matched against each tag.
	Tag string

	// Oldest orders by start time ascending.
	Oldest bool

	Limit int
}
