package storage

import (
	"errors"
	"strings"
)

// NotFoundError is returned when a record doesn't exist in the store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "record"
	}
	if e.ID == "" {
		return kind + " not found"
	}

	return kind + " not found: " + e.ID
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// MatchTag reports whether any tag contains sub. An empty sub matches
// everything.
func MatchTag(tags []string, sub string) bool {
	if sub == "" {
		return true
	}
	for _, t := range tags {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}
