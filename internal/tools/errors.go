package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool invocation failures for retry policy.
type ErrorKind int

const (
	// Transient failures (network, timeout) may be retried.
	Transient ErrorKind = iota
	// Permanent failures (unknown tool, schema violation, application
	// error) must not be retried.
	Permanent
)

// Error is a classified tool invocation failure.
type Error struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Kind == Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable failure.
func TransientError(tool string, err error) *Error {
	return &Error{Kind: Transient, Tool: tool, Err: err}
}

// PermanentError wraps err as a non-retryable failure.
func PermanentError(tool string, err error) *Error {
	return &Error{Kind: Permanent, Tool: tool, Err: err}
}

// IsTransient reports whether err is a retryable tool failure.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == Transient
}
