package eventstream

import "errors"

// ErrNilRecordingEvent indicates a nil recording event payload was provided to a publisher.
var ErrNilRecordingEvent = errors.New("nil recording event")
