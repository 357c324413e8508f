// Package apperr defines the error taxonomy used across the sieve pipeline.
// Errors carry a Kind rather than a bespoke type per failure mode, so
// callers branch on classification while messages stay free-form.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and HTTP status mapping.
type Kind string

const (
	// Validation is bad input: empty text, out-of-range filters, config mismatches.
	Validation Kind = "validation"
	// Authentication is an upstream credential failure.
	Authentication Kind = "authentication"
	// Connection is a transport-level back-end failure.
	Connection Kind = "connection"
	// Timeout is a deadline exceeded on a call or the whole pipeline.
	Timeout Kind = "timeout"
	// RateLimit is an upstream 429-equivalent.
	RateLimit Kind = "rate_limit"
	// CapacityExceeded means the admission gate is full.
	CapacityExceeded Kind = "capacity_exceeded"
	// Processing is the catch-all internal pipeline error.
	Processing Kind = "processing"
	// Parse is malformed data from a back-end; treated as Processing.
	Parse Kind = "parse"
	// Embedding is a provider error that is none of the above.
	Embedding Kind = "embedding"
	// VectorDbInit means a vector back-end could not be initialized.
	VectorDbInit Kind = "vector_db_init"
)

// Error is the concrete error type carrying a Kind and optional retry hint.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind, operation, and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithRetryAfter sets the retry hint and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Context cancellation and deadline errors classify as Timeout.
// Unclassified errors report Processing.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Processing
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryAfterOf returns the retry hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
