package protocol

import "fmt"

// ValidationError is returned when an inbound message does not satisfy its schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}
