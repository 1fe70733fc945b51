// Package common holds the error taxonomy shared by the matching, moderation
// and relay layers.
package common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotPaired is returned when a chat or signaling action arrives from a
	// session that has no active room. The relay drops it silently.
	ErrNotPaired = errors.New("not paired")

	// ErrBanned is returned when a banned identity tries to join.
	ErrBanned = errors.New("user is banned")

	// ErrQueueRace is returned when a pairing lost its compare-and-swap on one
	// of the two queue entries. Callers retry with the next candidate.
	ErrQueueRace = errors.New("queue entry claimed concurrently")

	// ErrStoreUnavailable marks failures of the shared store. Matching and
	// moderation fail closed on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by stores for missing keys.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a malformed client payload. It never changes
// server-side state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreError wraps a shared-store failure. It matches ErrStoreUnavailable
// with errors.Is and unwraps to the driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) succeed.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreError. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
