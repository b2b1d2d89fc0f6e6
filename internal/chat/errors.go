// Package chat defines the error taxonomy shared by the stores, the service and
// the transport layer.
package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when an operation targets a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrInvalidParticipantCount is returned when a room lookup is attempted with
	// anything other than exactly two distinct participants.
	ErrInvalidParticipantCount = errors.New("a room requires exactly 2 distinct participants")
)

// ValidationError reports rejected input. Nothing is persisted or published when
// a ValidationError is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// PersistenceError wraps a failure of the underlying store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// persistence classifies a store error. Domain sentinels pass through unchanged so
// that callers can still match them with errors.Is.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrInvalidParticipantCount) || IsValidation(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
