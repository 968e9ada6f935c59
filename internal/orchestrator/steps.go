package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// Failure categories for fatal step errors.
const (
	CategoryMissingInput     = "missing_input"
	CategoryUnknownOperation = "unknown_operation"
	CategoryTimeout          = "timeout"
	CategoryInternal         = "internal_error"
	CategoryUnspecified      = "unspecified"
)

// StepError is a fatal step failure. It ends the run with StepFailed.
type StepError struct {
	Operation string
	Position  int
	Category  string
	Attempts  int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed [%s]: %v", e.Position, e.Operation, e.Category, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepExecutor runs one plan step at a time against a RunState.
type StepExecutor struct {
	registry *registry.Registry
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Execute runs the step at the state's cursor, commits its output and
// advances the cursor. Success and flagged results both commit. A fatal
// failure returns a *StepError and leaves the cursor where it was.
func (e *StepExecutor) Execute(ctx context.Context, state *RunState) (StepOutput, error) {
	name, ok := state.currentStep()
	if !ok {
		return StepOutput{}, fmt.Errorf("no step at cursor %d", state.cursor)
	}
	position := state.cursor

	ctx, span := e.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("run.id", state.runID),
			attribute.String("operation", name),
			attribute.Int("position", position),
		))
	defer span.End()

	start := e.now()
	out, err := e.execute(ctx, state, name, position)
	elapsed := e.now().Sub(start)
	StepDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		StepsTotal.WithLabelValues(name, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		span.SetAttributes(attribute.String("status", "failed"))
		return out, err
	}

	out.Duration = elapsed
	committed, err := state.commitStep(out)
	if err != nil {
		StepsTotal.WithLabelValues(name, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return out, &StepError{Operation: name, Position: position, Category: CategoryInternal, Attempts: out.Attempts, Err: err}
	}

	status := "success"
	if committed.Flagged {
		status = "flagged"
		e.logger.Warn(ctx, "step flagged",
			zap.String("operation", name),
			zap.Int("position", position),
			zap.String("category", committed.ErrorCategory),
			zap.String("error", committed.Error))
	} else {
		e.logger.Debug(ctx, "step succeeded",
			zap.String("operation", name),
			zap.Int("position", position),
			zap.Duration("duration", elapsed))
	}
	StepsTotal.WithLabelValues(name, status).Inc()
	span.SetAttributes(attribute.String("status", status))
	return committed, nil
}

func (e *StepExecutor) execute(ctx context.Context, state *RunState, name string, position int) (StepOutput, error) {
	out := StepOutput{Operation: name, Position: position}
	fail := func(category string, attempts int, err error) (StepOutput, error) {
		out.ErrorCategory = category
		out.Error = err.Error()
		out.Attempts = attempts
		return out, &StepError{Operation: name, Position: position, Category: category, Attempts: attempts, Err: err}
	}

	op, err := e.registry.Resolve(name)
	if err != nil {
		return fail(CategoryUnknownOperation, 0, err)
	}

	args, err := assembleArgs(op, state)
	if err != nil {
		return fail(CategoryMissingInput, 0, err)
	}

	maxAttempts := 1
	if op.Retryable {
		maxAttempts += e.retries
	}

	var res registry.Result
	attempt := 0
	for {
		attempt++
		res, err = e.invoke(ctx, op, args)
		if err == nil || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		delay := e.backoff << (attempt - 1)
		e.logger.Warn(ctx, "retrying step",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := sleepCtx(ctx, delay); serr != nil {
			break
		}
	}

	if err != nil {
		category := CategoryInternal
		if errors.Is(err, context.DeadlineExceeded) {
			category = CategoryTimeout
		}
		return fail(category, attempt, err)
	}

	out.Attempts = attempt
	out.Data = res.Data
	if res.Success {
		out.Success = true
		return out, nil
	}
	out.Flagged = true
	out.ErrorCategory = res.ErrorCategory
	if out.ErrorCategory == "" {
		out.ErrorCategory = CategoryUnspecified
	}
	out.Error = res.Error
	return out, nil
}

// invoke calls the operation with the step timeout and converts panics to
// errors.
func (e *StepExecutor) invoke(ctx context.Context, op registry.Operation, args registry.Args) (registry.Result, error) {
	timeout := e.timeout
	if op.Timeout > 0 {
		timeout = op.Timeout
	}
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		res registry.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("%s panicked: %v", op.Name, r)}
			}
		}()
		res, err := op.Run(callCtx, args)
		ch <- reply{res: res, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}
	switch {
	case r.err == nil:
		return r.res, nil
	case ctx.Err() != nil:
		return registry.Result{}, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return registry.Result{}, fmt.Errorf("%s timed out after %s: %w", op.Name, timeout, context.DeadlineExceeded)
	}
	return registry.Result{}, r.err
}

// assembleArgs resolves every declared input in source preference order.
func assembleArgs(op registry.Operation, state *RunState) (registry.Args, error) {
	args := make(registry.Args, len(op.Inputs))
	for _, in := range op.Inputs {
		if v, ok := resolveInput(in, state); ok {
			args[in.Key] = v
			continue
		}
		if in.Required {
			tried := make([]string, len(in.Sources))
			for i, src := range in.Sources {
				tried[i] = src.String()
			}
			return nil, fmt.Errorf("%w: %s needs %q (tried %s)",
				ErrMissingInput, op.Name, in.Key, strings.Join(tried, ", "))
		}
	}
	return args, nil
}

func resolveInput(in registry.Input, state *RunState) (any, bool) {
	for _, src := range in.Sources {
		if src.Output != "" {
			if v, ok := state.latestField(src.Output); ok {
				return v, true
			}
			continue
		}
		if v := state.request.Field(src.Request); v != "" {
			return v, true
		}
	}
	return nil, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
