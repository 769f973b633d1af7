package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

// ExportBundle gathers a recording with its events and annotations.
func (r *Recorder) ExportBundle(ctx context.Context, id string) (*recording.Bundle, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := r.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	notes, err := r.Annotations(ctx, id)
	if err != nil {
		return nil, err
	}

	return &recording.Bundle{
		Version:     recording.BundleVersion,
		ExportedAt:  r.clock.Now(),
		Recording:   rec,
		Events:      events,
		Annotations: notes,
	}, nil
}

// Export serializes a recording in the given format.
func (r *Recorder) Export(ctx context.Context, id string, format recording.Format) ([]byte, error) {
	b, err := r.ExportBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	return recording.Encode(b, format)
}

// Import decodes a bundle in either format and stores it.
func (r *Recorder) Import(ctx context.Context, data []byte) (*recording.Recording, error) {
	b, err := recording.Decode(data)
	if err != nil {
		return nil, err
	}
	return r.ImportBundle(ctx, b)
}

// ImportBundle stores a bundle under fresh ids. The recording, every event and
// every annotation get new ids, event links inside annotations are remapped,
// and sequence numbers, timestamps and payloads are kept. The import is all or
// nothing: a failure leaves no partial recording behind.
func (r *Recorder) ImportBundle(ctx context.Context, b *recording.Bundle) (*recording.Recording, error) {
	if b == nil || b.Recording == nil {
		return nil, errors.New("bundle has no recording")
	}

	rec, events, notes, err := rebase(b)
	if err != nil {
		return nil, fmt.Errorf("could not import recording: %w", err)
	}
	if err := r.importRecording(ctx, rec, events, notes); err != nil {
		return nil, err
	}

	r.logger.Info("recording imported",
		zap.String("recording_id", rec.ID),
		zap.String("original_id", b.Recording.ID),
		zap.Int("events", len(events)),
	)

	if r.config.AutoCleanup {
		if _, err := r.cleanup(ctx, rec.ID); err != nil {
			r.logger.Warn("recording cleanup failed", zap.Error(err))
		}
	}
	return rec.Clone(), nil
}

// rebase copies a bundle under fresh ids with every value in its normalized
// JSON form.
func rebase(b *recording.Bundle) (*recording.Recording, []recording.Event, []recording.Annotation, error) {
	var err error

	rec := b.Recording.Clone()
	rec.ID = uuid.NewString()
	if rec.Input, err = recording.Normalize(rec.Input); err != nil {
		return nil, nil, nil, fmt.Errorf("input: %w", err)
	}
	if rec.Result, err = recording.Normalize(rec.Result); err != nil {
		return nil, nil, nil, fmt.Errorf("result: %w", err)
	}

	eventIDs := make(map[string]string, len(b.Events))
	events := make([]recording.Event, 0, len(b.Events))
	for _, ev := range b.Events {
		fresh := uuid.NewString()
		eventIDs[ev.ID] = fresh
		ev.ID = fresh
		ev.RecordingID = rec.ID
		if ev.Payload, err = recording.Normalize(ev.Payload); err != nil {
			return nil, nil, nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}

	notes := make([]recording.Annotation, 0, len(b.Annotations))
	for _, a := range b.Annotations {
		a.ID = uuid.NewString()
		a.RecordingID = rec.ID
		if a.EventID != "" {
			a.EventID = eventIDs[a.EventID]
		}
		notes = append(notes, a)
	}
	return rec, events, notes, nil
}

// importRecording writes the rebased bundle atomically when the store supports
// it. Otherwise the rows are written one by one and the recording is deleted
// again if any write fails.
func (r *Recorder) importRecording(ctx context.Context, rec *recording.Recording, events []recording.Event, notes []recording.Annotation) error {
	if im, ok := r.store.(storage.RecordingImporter); ok {
		if err := im.ImportRecording(ctx, rec, events, notes); err != nil {
			return fmt.Errorf("could not import recording: %w", err)
		}
		return nil
	}

	if err := r.store.CreateRecording(ctx, rec); err != nil {
		return fmt.Errorf("could not import recording: %w", err)
	}
	err := func() error {
		for i := range events {
			if err := r.store.AppendEvent(ctx, &events[i]); err != nil {
				return fmt.Errorf("could not import event: %w", err)
			}
		}
		for i := range notes {
			if err := r.store.AddAnnotation(ctx, &notes[i]); err != nil {
				return fmt.Errorf("could not import annotation: %w", err)
			}
		}
		return nil
	}()
	if err != nil {
		if derr := r.store.DeleteRecording(context.WithoutCancel(ctx), rec.ID); derr != nil {
			r.logger.Warn("could not roll back partial import",
				zap.String("recording_id", rec.ID),
				zap.Error(derr),
			)
		}
		return err
	}
	return nil
}
