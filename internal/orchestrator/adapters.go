package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// ProposalInput is what a Proposer sees. PriorFeedback is empty on the first
// proposal and carries the reviewer's last rejection afterwards.
type ProposalInput struct {
	Request       RunRequest
	PriorFeedback string
	RevisionCount int
	Operations    []registry.Descriptor
}

// ReviewInput is what a Reviewer sees.
type ReviewInput struct {
	Request       RunRequest
	Steps         []string
	RevisionCount int
	Operations    []registry.Descriptor
}

// Proposer produces a plan, a refusal or a request for more input.
type Proposer interface {
	Propose(ctx context.Context, in ProposalInput) (Proposal, error)
}

// Reviewer approves or rejects a plan.
type Reviewer interface {
	Review(ctx context.Context, in ReviewInput) (Verdict, error)
}

// Synthesizer turns a finished run into report text.
type Synthesizer interface {
	Summarize(ctx context.Context, snap Snapshot) (string, error)
}

// ProposerFunc adapts a function to Proposer.
type ProposerFunc func(ctx context.Context, in ProposalInput) (Proposal, error)

func (f ProposerFunc) Propose(ctx context.Context, in ProposalInput) (Proposal, error) {
	return f(ctx, in)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, in ReviewInput) (Verdict, error)

func (f ReviewerFunc) Review(ctx context.Context, in ReviewInput) (Verdict, error) {
	return f(ctx, in)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, snap Snapshot) (string, error)

func (f SynthesizerFunc) Summarize(ctx context.Context, snap Snapshot) (string, error) {
	return f(ctx, snap)
}

// Adapter names used in metrics, spans and trace details.
const (
	adapterProposer = "proposer"
	adapterReviewer = "reviewer"
	adapterReporter = "reporter"
)

// adapterFailure is a classified adapter error.
type adapterFailure struct {
	adapter string
	outcome Outcome
	event   string
	err     error
}

func (f *adapterFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.adapter, f.err)
}

func (f *adapterFailure) Unwrap() error { return f.err }

// callAdapter runs fn under its own timeout and classifies the result.
//
// The call runs in its own goroutine so a misbehaving adapter that ignores
// its context cannot hold the run past the timeout. validate, when set,
// checks the shape of a successful reply.
func callAdapter[T any](ctx context.Context, adapter string, timeout time.Duration, validate func(T) error, fn func(context.Context) (T, error)) (T, *adapterFailure) {
	var zero T

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		val T
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		ch <- reply{val: v, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}
	if r.err == nil && validate != nil {
		r.err = validate(r.val)
	}
	if r.err == nil {
		AdapterCallsTotal.WithLabelValues(adapter, "ok").Inc()
		return r.val, nil
	}

	fail := classifyAdapterError(ctx, adapter, timeout, r.err)
	AdapterCallsTotal.WithLabelValues(adapter, fail.event).Inc()
	return zero, fail
}

func classifyAdapterError(parent context.Context, adapter string, timeout time.Duration, err error) *adapterFailure {
	switch {
	case parent.Err() != nil:
		return &adapterFailure{adapter: adapter, outcome: OutcomeCancelled, event: EventCancelled, err: parent.Err()}
	case errors.Is(err, ErrMalformedOutput):
		return &adapterFailure{adapter: adapter, outcome: OutcomeConfigurationError, event: EventMalformedOutput, err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &adapterFailure{
			adapter: adapter,
			outcome: OutcomeAdapterUnavailable,
			event:   EventAdapterUnavailable,
			err:     fmt.Errorf("timed out after %s: %w", timeout, err),
		}
	default:
		return &adapterFailure{adapter: adapter, outcome: OutcomeAdapterUnavailable, event: EventAdapterUnavailable, err: err}
	}
}

func validReport(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty report", ErrMalformedOutput)
	}
	return nil
}
