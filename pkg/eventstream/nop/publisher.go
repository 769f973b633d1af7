package nop

import (
	"context"

	"github.com/papercomputeco/agentdbg/pkg/eventstream"
)

// Publisher is a no-op eventstream publisher used for tests and disabled mode.
type Publisher struct{}

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishRecordingEvent validates input and otherwise does nothing.
func (p *Publisher) PublishRecordingEvent(_ context.Context, event *eventstream.RecordingEventPublished) error {
	if event == nil {
		return eventstream.ErrNilRecordingEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
