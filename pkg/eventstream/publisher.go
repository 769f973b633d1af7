// Package eventstream publishes recording events to an external event stream
// so other systems can follow debugging sessions as they happen.
package eventstream

import "context"

// Publisher publishes recording events to an event stream backend.
type Publisher interface {
	PublishRecordingEvent(ctx context.Context, event *RecordingEventPublished) error
	Close() error
}
