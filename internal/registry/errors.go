package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound is returned when a stream lookup or mutation names an
	// unknown (source, key) pair.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrTranscoderNotFound is returned when an assignment names a transcoder
	// that has no live heartbeat.
	ErrTranscoderNotFound = errors.New("transcoder not found")

	// ErrCapacity is returned when a transcoder already backs as many streams
	// as it announced.
	ErrCapacity = errors.New("transcoder at capacity")

	// ErrInvalidTranscoder is returned for heartbeats without a name.
	ErrInvalidTranscoder = errors.New("transcoder name is required")
)

// ConflictError reports an insert of an entry whose unique key already exists.
// The Registry resolves it by updating in place; it never leaves the package.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

// StaleReferenceError reports a stream pointing at a transcoder the registry
// no longer knows. It indicates a bookkeeping defect and is healed by
// clearing the reference.
type StaleReferenceError struct {
	Stream     StreamID
	Transcoder string
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stream %s references unknown transcoder %q", e.Stream, e.Transcoder)
}
