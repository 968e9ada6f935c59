package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrMalformedOutput marks adapter output that does not fit its contract.
	ErrMalformedOutput = errors.New("malformed adapter output")
	// ErrMissingInput marks a step whose required input nothing can satisfy.
	ErrMissingInput = errors.New("missing required input")
	// ErrStateSealed is returned by every RunState mutator after termination.
	ErrStateSealed = errors.New("run state is sealed")
	// ErrRevisionLimit is wrapped by RunError for revision_limit_exceeded.
	ErrRevisionLimit = errors.New("revision limit exceeded")
	// ErrCancelled is wrapped by RunError for cancelled runs.
	ErrCancelled = errors.New("run cancelled")
	// ErrInvalidRequest is returned by Run for unusable invocations.
	ErrInvalidRequest = errors.New("invalid run request")
)

// RunError describes why a run ended without completing.
type RunError struct {
	Outcome   Outcome
	Stage     Stage
	Operation string
	Detail    string
	Err       error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s at %s", e.Outcome, e.Stage)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation %s)", e.Operation)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RunError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Outcome {
	case OutcomeRevisionLimitExceeded:
		return ErrRevisionLimit
	case OutcomeCancelled:
		return ErrCancelled
	}
	return nil
}
