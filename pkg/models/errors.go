package models

import "errors"

// Behavioral error kinds. Every boundary returns errors as values; callers
// classify with errors.Is and decide on retry / fail-fast / HTTP status.
var (
	// ErrTransient marks I/O failures that are worth retrying with backoff.
	ErrTransient = errors.New("transient")

	// ErrConflict is returned when a pod operation loses a race against a
	// concurrent transition on the same pod.
	ErrConflict = errors.New("conflict")

	// ErrExhausted means no host, port or storage headroom is available.
	// Never retried automatically.
	ErrExhausted = errors.New("resource exhausted")

	ErrNotFound = errors.New("not found")

	// ErrInvariant marks state that should be unreachable, e.g. a running
	// pod with no container ID. The pod is frozen until an operator steps in.
	ErrInvariant = errors.New("invariant violation")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Conflict wraps err as a conflict.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrConflict, err: err}
}

// NotFound wraps err as a not-found.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrNotFound, err: err}
}

// Exhausted wraps err as resource exhaustion.
func Exhausted(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrExhausted, err: err}
}

// Invariant wraps err as an invariant violation.
func Invariant(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrInvariant, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }
