package recorder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

// AnnotateRequest describes a new annotation.
type AnnotateRequest struct {
	// EventID links the annotation to one event. Optional.
	EventID string                   `json:"eventId,omitempty"`
	Author  string                   `json:"author"`
	Type    recording.AnnotationType `json:"type"`
	Text    string                   `json:"text"`
}

// Annotate attaches an annotation to a recording, or to one of its events.
func (r *Recorder) Annotate(ctx context.Context, recordingID string, req AnnotateRequest) (*recording.Annotation, error) {
	if req.Type == "" {
		req.Type = recording.AnnotationNote
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAnnotation, req.Type)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidAnnotation)
	}

	if _, err := r.Get(ctx, recordingID); err != nil {
		return nil, err
	}
	if req.EventID != "" {
		events, err := r.Events(ctx, recordingID)
		if err != nil {
			return nil, err
		}
		if !lo.ContainsBy(events, func(ev recording.Event) bool { return ev.ID == req.EventID }) {
			return nil, fmt.Errorf("%w: event %s is not part of recording %s", ErrInvalidAnnotation, req.EventID, recordingID)
		}
	}

	a := &recording.Annotation{
		ID:          uuid.NewString(),
		RecordingID: recordingID,
		EventID:     req.EventID,
		Author:      req.Author,
		Type:        req.Type,
		Text:        req.Text,
		CreatedAt:   r.clock.Now(),
	}
	if err := r.store.AddAnnotation(ctx, a); err != nil {
		return nil, fmt.Errorf("could not store annotation: %w", err)
	}
	return a, nil
}

// Annotations returns the annotations of a recording.
func (r *Recorder) Annotations(ctx context.Context, recordingID string) ([]recording.Annotation, error) {
	return r.store.Annotations(ctx, recordingID)
}

// DeleteAnnotation removes one annotation.
func (r *Recorder) DeleteAnnotation(ctx context.Context, id string) error {
	err := r.store.DeleteAnnotation(ctx, id)
	if storage.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrAnnotationNotFound, id)
	}
	return err
}
