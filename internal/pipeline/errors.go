package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnibot-dev/omnibot/internal/tools"
)

// Class identifies why a turn ended without a normal completion. Every
// terminal outbound action produced for a failed or short-circuited turn
// carries one of these, never a silent drop.
type Class string

const (
	ClassAdmissionRejected Class = "ADMISSION_REJECTED"
	ClassAccessDenied      Class = "ACCESS_DENIED"
	ClassRateLimited       Class = "RATE_LIMITED"
	ClassContentBlocked    Class = "CONTENT_BLOCKED"
	ClassToolTransient     Class = "TOOL_TRANSIENT_ERROR"
	ClassToolPermanent     Class = "TOOL_PERMANENT_ERROR"
	ClassInference         Class = "INFERENCE_ERROR"
	ClassTurnTimeout       Class = "TURN_TIMEOUT"
	ClassTurnCancelled     Class = "TURN_CANCELLED"
	ClassInternalStage     Class = "INTERNAL_STAGE_ERROR"
)

// TurnError is a classified turn failure. Stage implementations wrap their
// errors in one so the runner and dispatcher can act on the class without
// inspecting stage internals.
type TurnError struct {
	Class Class
	Stage string
	Err   error
}

func (e *TurnError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %v", e.Class, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError wraps err with a failure class.
func NewTurnError(class Class, stage string, err error) *TurnError {
	return &TurnError{Class: class, Stage: stage, Err: err}
}

// Classify maps an arbitrary stage error to a failure class. Errors that
// were not classified by the stage itself fall through to
// INTERNAL_STAGE_ERROR.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		return turnErr.Class
	}
	var toolErr *tools.Error
	if errors.As(err, &toolErr) {
		if toolErr.Kind == tools.Transient {
			return ClassToolTransient
		}
		return ClassToolPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTurnTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTurnCancelled
	}
	return ClassInternalStage
}

// retryable reports whether an error is worth another attempt under a
// RETRY policy. Context ends and permanently-classified failures are not.
func retryable(err error) bool {
	switch Classify(err) {
	case ClassToolTransient, ClassInference:
		return true
	case ClassTurnTimeout, ClassTurnCancelled:
		// The runner reclassifies stage-local deadlines before this
		// predicate runs, so these always mean the turn itself ended.
		return false
	default:
		return false
	}
}
