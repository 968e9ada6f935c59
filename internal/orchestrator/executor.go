package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/mofsci/internal/orchestrator"

// Config bounds a single run.
type Config struct {
	MaxRevisions    int
	MaxPlanSteps    int
	ProposerTimeout time.Duration
	ReviewerTimeout time.Duration
	ReporterTimeout time.Duration
	StepTimeout     time.Duration
	StepRetries     int
	RetryBackoff    time.Duration
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		MaxRevisions:    1,
		MaxPlanSteps:    16,
		ProposerTimeout: 60 * time.Second,
		ReviewerTimeout: 60 * time.Second,
		ReporterTimeout: 60 * time.Second,
		StepTimeout:     5 * time.Minute,
		StepRetries:     1,
		RetryBackoff:    500 * time.Millisecond,
	}
}

// ConfigFrom converts the application configuration section.
func ConfigFrom(c config.OrchestratorConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxRevisions = c.MaxRevisions
	if c.MaxPlanSteps > 0 {
		cfg.MaxPlanSteps = c.MaxPlanSteps
	}
	if c.ProposerTimeout > 0 {
		cfg.ProposerTimeout = c.ProposerTimeout
	}
	if c.ReviewerTimeout > 0 {
		cfg.ReviewerTimeout = c.ReviewerTimeout
	}
	if c.ReporterTimeout > 0 {
		cfg.ReporterTimeout = c.ReporterTimeout
	}
	if c.StepTimeout > 0 {
		cfg.StepTimeout = c.StepTimeout
	}
	cfg.StepRetries = c.StepRetries
	return cfg
}

// TransitionBudget is the most trace records a run can legitimately produce:
// one proposal and one review per revision cycle, one record per step, the
// report, and slack for the terminal record.
func (c Config) TransitionBudget() int {
	return 2*(c.MaxRevisions+1) + c.MaxPlanSteps + 2
}

func (c Config) validate() error {
	if c.MaxRevisions < 0 {
		return fmt.Errorf("max revisions must be >= 0, got %d", c.MaxRevisions)
	}
	if c.MaxPlanSteps <= 0 {
		return fmt.Errorf("max plan steps must be > 0, got %d", c.MaxPlanSteps)
	}
	if c.StepRetries < 0 {
		return fmt.Errorf("step retries must be >= 0, got %d", c.StepRetries)
	}
	return nil
}

// TraceSink receives trace records as they are appended and the final
// snapshot when a run ends. Sink errors are logged and never affect the run.
type TraceSink interface {
	RecordTrace(ctx context.Context, runID string, rec TraceRecord) error
	RunFinished(ctx context.Context, snap Snapshot) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig sets the run bounds.
func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithTraceSink adds a sink for trace records.
func WithTraceSink(s TraceSink) Option {
	return func(e *Executor) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithGate adds a plan gate after the default ones.
func WithGate(g PlanGate) Option {
	return func(e *Executor) {
		if g != nil {
			e.extraGates = append(e.extraGates, g)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Executor drives runs through the stage machine.
type Executor struct {
	registry    *registry.Registry
	proposer    Proposer
	reviewer    Reviewer
	synthesizer Synthesizer

	cfg        Config
	gates      []PlanGate
	extraGates []PlanGate
	sinks      []TraceSink
	steps      *StepExecutor
	logger     *logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// NewExecutor creates an executor over a registry and the three adapters.
func NewExecutor(reg *registry.Registry, proposer Proposer, reviewer Reviewer, synth Synthesizer, opts ...Option) (*Executor, error) {
	switch {
	case reg == nil:
		return nil, errors.New("orchestrator: registry is required")
	case proposer == nil:
		return nil, errors.New("orchestrator: proposer is required")
	case reviewer == nil:
		return nil, errors.New("orchestrator: reviewer is required")
	case synth == nil:
		return nil, errors.New("orchestrator: synthesizer is required")
	}

	e := &Executor{
		registry:    reg,
		proposer:    proposer,
		reviewer:    reviewer,
		synthesizer: synth,
		cfg:         DefaultConfig(),
		logger:      logging.Nop(),
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	e.gates = append(DefaultGates(e.cfg.MaxPlanSteps), e.extraGates...)
	e.steps = &StepExecutor{
		registry: reg,
		timeout:  e.cfg.StepTimeout,
		retries:  e.cfg.StepRetries,
		backoff:  e.cfg.RetryBackoff,
		logger:   e.logger.Named("steps"),
		tracer:   e.tracer,
		now:      e.now,
	}
	return e, nil
}

// Registry returns the registry plans are validated against.
func (e *Executor) Registry() *registry.Registry { return e.registry }

// Config returns the run bounds.
func (e *Executor) Config() Config { return e.cfg }

// RunText runs a plain-text request.
func (e *Executor) RunText(ctx context.Context, text string) (*Result, error) {
	return e.Run(ctx, RunRequest{Text: text})
}

// Run drives one request to a terminal outcome. Every accepted request
// yields a non-nil Result; the error return is reserved for requests that
// cannot start.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*Result, error) {
	return e.RunWithID(ctx, e.newID(), req)
}

// RunWithID is Run with a caller-chosen run ID, for callers that hand the ID
// out before the run starts.
func (e *Executor) RunWithID(ctx context.Context, runID string, req RunRequest) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: request text is empty", ErrInvalidRequest)
	}
	if err := logging.ValidateRunID(runID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := e.now()
	r := &run{
		e:          e,
		state:      newRunState(runID, req, start),
		stage:      StageProposing,
		stageStart: start,
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	e.logger.Info(ctx, "run started", zap.Int("request_len", len(req.Text)))
	r.loop(ctx)

	snap := r.state.Snapshot()
	elapsed := snap.FinishedAt.Sub(snap.StartedAt)
	RunsTotal.WithLabelValues(string(snap.Outcome)).Inc()
	RunDuration.Observe(elapsed.Seconds())
	Revisions.Observe(float64(snap.RevisionCount))

	span.SetAttributes(
		attribute.String("outcome", string(snap.Outcome)),
		attribute.Int("revisions", snap.RevisionCount),
		attribute.Int("steps", len(snap.StepOutputs)),
	)
	if snap.Outcome.IsFailure() {
		span.SetStatus(codes.Error, string(snap.Outcome))
	}

	fields := []zap.Field{
		zap.String("outcome", string(snap.Outcome)),
		zap.Int("revisions", snap.RevisionCount),
		zap.Int("steps", len(snap.StepOutputs)),
		zap.Duration("duration", elapsed),
	}
	if snap.FailedStep != "" {
		fields = append(fields, zap.String("failed_step", snap.FailedStep))
	}
	if snap.Outcome.IsFailure() {
		e.logger.Warn(ctx, "run ended", append(fields, zap.String("detail", snap.Detail))...)
	} else {
		e.logger.Info(ctx, "run ended", fields...)
	}

	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		if err := s.RunFinished(sinkCtx, snap); err != nil {
			e.logger.Warn(ctx, "trace sink failed on run end", zap.Error(err))
		}
	}
	return &Result{Snapshot: snap}, nil
}

// run is the per-run driver. It is never shared between goroutines.
type run struct {
	e          *Executor
	state      *RunState
	stage      Stage
	stageStart time.Time
}

func (r *run) loop(ctx context.Context) {
	budget := r.e.cfg.TransitionBudget()
	for r.stage != StageDone {
		if err := ctx.Err(); err != nil {
			r.finish(ctx, OutcomeCancelled, EventCancelled, "", err.Error(), "")
			return
		}
		if len(r.state.trace) >= budget {
			r.finish(ctx, OutcomeConfigurationError, EventBudgetExhausted, "",
				fmt.Sprintf("exceeded %d transitions", budget), "")
			return
		}

		stageCtx := logging.WithStage(ctx, string(r.stage))
		switch r.stage {
		case StageProposing:
			r.propose(stageCtx)
		case StageReviewing:
			r.review(stageCtx)
		case StageExecuting:
			r.execute(stageCtx)
		case StageReporting:
			r.report(stageCtx)
		default:
			r.finish(ctx, OutcomeConfigurationError, EventInvalidPlan, "", "unknown stage "+string(r.stage), "")
		}
	}
}

func (r *run) propose(ctx context.Context) {
	e := r.e
	ctx, span := e.tracer.Start(ctx, "orchestrator.propose",
		trace.WithAttributes(
			attribute.String("run.id", r.state.runID),
			attribute.Int("revision", r.state.revisionCount),
		))
	defer span.End()

	in := ProposalInput{
		Request:       r.state.request,
		PriorFeedback: r.state.lastFeedback,
		RevisionCount: r.state.revisionCount,
		Operations:    e.registry.Describe(),
	}
	p, fail := callAdapter(ctx, adapterProposer, e.cfg.ProposerTimeout, Proposal.validate,
		func(ctx context.Context) (Proposal, error) { return e.proposer.Propose(ctx, in) })
	if fail != nil {
		r.adapterFailed(ctx, span, fail)
		return
	}
	span.SetAttributes(attribute.String("kind", string(p.Kind)))

	switch p.Kind {
	case KindRefused:
		r.finish(ctx, OutcomeRefused, EventRefused, "", p.Reason, "")
		return
	case KindNeedsInput:
		r.finish(ctx, OutcomeRefused, EventNeedsInput, "", p.Prompt, "")
		return
	}
	if len(p.Steps) == 0 {
		r.finish(ctx, OutcomeRefused, EventEmptyPlan, "", "no computation required", "")
		return
	}

	if err := r.state.setPlan(p.Steps); err != nil {
		r.internalError(ctx, err)
		return
	}
	span.SetAttributes(attribute.StringSlice("plan", p.Steps))

	violations, err := r.checkGates(ctx, p.Steps)
	if err != nil {
		r.finish(ctx, OutcomeConfigurationError, EventInvalidPlan, "", err.Error(), "")
		return
	}
	if critical := filterSeverity(violations, SeverityCritical); len(critical) > 0 {
		span.SetStatus(codes.Error, "invalid plan")
		r.finish(ctx, OutcomeConfigurationError, EventInvalidPlan, "", describeViolations(critical), "")
		return
	}

	detail := "plan: " + strings.Join(p.Steps, " -> ")
	if warnings := filterSeverity(violations, SeverityWarning); len(warnings) > 0 {
		e.logger.Warn(ctx, "plan has warnings", zap.String("violations", describeViolations(warnings)))
		detail += "; warnings: " + describeViolations(warnings)
	}
	r.transition(ctx, StageReviewing, EventPlanProposed, detail)
}

func (r *run) checkGates(ctx context.Context, steps []string) ([]Violation, error) {
	pc := PlanContext{Request: r.state.request, Steps: steps, Registry: r.e.registry}
	var all []Violation
	for _, g := range r.e.gates {
		v, err := g.Check(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", g.Name(), err)
		}
		all = append(all, v...)
	}
	return all, nil
}

func (r *run) review(ctx context.Context) {
	e := r.e
	ctx, span := e.tracer.Start(ctx, "orchestrator.review",
		trace.WithAttributes(
			attribute.String("run.id", r.state.runID),
			attribute.Int("revision", r.state.revisionCount),
		))
	defer span.End()

	in := ReviewInput{
		Request:       r.state.request,
		Steps:         append([]string(nil), r.state.plan...),
		RevisionCount: r.state.revisionCount,
		Operations:    e.registry.Describe(),
	}
	v, fail := callAdapter(ctx, adapterReviewer, e.cfg.ReviewerTimeout, Verdict.validate,
		func(ctx context.Context) (Verdict, error) { return e.reviewer.Review(ctx, in) })
	if fail != nil {
		r.adapterFailed(ctx, span, fail)
		return
	}
	span.SetAttributes(attribute.Bool("approved", v.Approved))

	if v.Approved {
		r.transition(ctx, StageExecuting, EventApproved, v.Feedback)
		return
	}

	if r.state.revisionCount >= e.cfg.MaxRevisions {
		if err := r.state.setFeedback(v.Feedback); err != nil {
			r.internalError(ctx, err)
			return
		}
		r.finish(ctx, OutcomeRevisionLimitExceeded, EventRevisionLimit, "", v.Feedback, "")
		return
	}
	if err := r.state.recordRejection(v.Feedback); err != nil {
		r.internalError(ctx, err)
		return
	}
	r.transition(ctx, StageProposing, EventRejected, v.Feedback)
}

func (r *run) execute(ctx context.Context) {
	name, _ := r.state.currentStep()
	out, err := r.e.steps.Execute(ctx, r.state)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(ctx, OutcomeCancelled, EventCancelled, name, ctx.Err().Error(), "")
			return
		}
		r.finish(ctx, OutcomeStepFailed, EventStepFailed, name, err.Error(), "")
		return
	}

	next := StageExecuting
	if r.state.done() {
		next = StageReporting
	}
	if out.Flagged {
		r.transition(ctx, next, EventStepFlagged, fmt.Sprintf("%s [%s] %s", out.Key, out.ErrorCategory, out.Error))
		return
	}
	r.transition(ctx, next, EventStepSucceeded, out.Key)
}

func (r *run) report(ctx context.Context) {
	e := r.e
	ctx, span := e.tracer.Start(ctx, "orchestrator.report",
		trace.WithAttributes(attribute.String("run.id", r.state.runID)))
	defer span.End()

	snap := r.state.Snapshot()
	text, fail := callAdapter(ctx, adapterReporter, e.cfg.ReporterTimeout, validReport,
		func(ctx context.Context) (string, error) { return e.synthesizer.Summarize(ctx, snap) })
	if fail != nil {
		r.adapterFailed(ctx, span, fail)
		return
	}
	r.finish(ctx, OutcomeCompleted, EventReported, "", "", text)
}

func (r *run) adapterFailed(ctx context.Context, span trace.Span, fail *adapterFailure) {
	span.RecordError(fail)
	span.SetStatus(codes.Error, fail.event)
	r.finish(ctx, fail.outcome, fail.event, "", fail.Error(), "")
}

func (r *run) internalError(ctx context.Context, err error) {
	r.e.logger.Error(ctx, "run state rejected mutation", zap.Error(err))
	if errors.Is(err, ErrStateSealed) {
		r.stage = StageDone
		return
	}
	r.finish(ctx, OutcomeConfigurationError, EventInvalidPlan, "", err.Error(), "")
}

// transition appends exactly one trace record and moves to next.
func (r *run) transition(ctx context.Context, next Stage, event, detail string) {
	now := r.e.now()
	rec, err := r.state.appendTrace(TraceRecord{
		Stage:     r.stage,
		Next:      next,
		Outcome:   event,
		Detail:    detail,
		Timestamp: now,
		Elapsed:   now.Sub(r.stageStart),
	})
	if err != nil {
		r.e.logger.Error(ctx, "trace append rejected", zap.Error(err))
		r.stage = StageDone
		return
	}
	r.e.logger.Debug(ctx, "transition",
		zap.String("from", string(rec.Stage)),
		zap.String("to", string(rec.Next)),
		zap.String("event", event))
	r.publish(ctx, rec)
	r.stage = next
	r.stageStart = now
}

// finish appends the terminal record and seals the state.
func (r *run) finish(ctx context.Context, outcome Outcome, event, failedStep, detail, report string) {
	now := r.e.now()
	rec, err := r.state.terminate(TraceRecord{
		Stage:     r.stage,
		Next:      StageDone,
		Outcome:   event,
		Detail:    detail,
		Timestamp: now,
		Elapsed:   now.Sub(r.stageStart),
	}, outcome, failedStep, detail, report)
	r.stage = StageDone
	if err != nil {
		r.e.logger.Error(ctx, "terminate rejected", zap.Error(err))
		return
	}
	r.e.logger.Debug(ctx, "transition",
		zap.String("from", string(rec.Stage)),
		zap.String("to", string(rec.Next)),
		zap.String("event", event))
	r.publish(ctx, rec)
}

func (r *run) publish(ctx context.Context, rec TraceRecord) {
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range r.e.sinks {
		if err := s.RecordTrace(sinkCtx, r.state.runID, rec); err != nil {
			r.e.logger.Warn(ctx, "trace sink failed", zap.Int("seq", rec.Seq), zap.Error(err))
		}
	}
}
