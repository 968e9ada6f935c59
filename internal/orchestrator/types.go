package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// Stage is a state of the orchestration state machine.
type Stage string

const (
	StageProposing Stage = "proposing"
	StageReviewing Stage = "reviewing"
	StageExecuting Stage = "executing"
	StageReporting Stage = "reporting"
	StageDone      Stage = "done"
)

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeRefused               Outcome = "refused"
	OutcomeRevisionLimitExceeded Outcome = "revision_limit_exceeded"
	OutcomeStepFailed            Outcome = "step_failed"
	OutcomeConfigurationError    Outcome = "configuration_error"
	OutcomeAdapterUnavailable    Outcome = "adapter_unavailable"
	OutcomeCancelled             Outcome = "cancelled"
)

// AllOutcomes returns every terminal outcome.
func AllOutcomes() []Outcome {
	return []Outcome{
		OutcomeCompleted, OutcomeRefused, OutcomeRevisionLimitExceeded,
		OutcomeStepFailed, OutcomeConfigurationError, OutcomeAdapterUnavailable,
		OutcomeCancelled,
	}
}

// IsFailure reports whether the outcome represents an error. Completed and
// Refused are both valid endings.
func (o Outcome) IsFailure() bool {
	return o != OutcomeCompleted && o != OutcomeRefused
}

// Retryable reports whether re-running the same request may succeed.
func (o Outcome) Retryable() bool {
	return o == OutcomeAdapterUnavailable
}

// Transition events recorded in TraceRecord.Outcome.
const (
	EventPlanProposed       = "plan_proposed"
	EventRefused            = "refused"
	EventNeedsInput         = "needs_input"
	EventEmptyPlan          = "empty_plan"
	EventInvalidPlan        = "invalid_plan"
	EventApproved           = "approved"
	EventRejected           = "rejected"
	EventRevisionLimit      = "revision_limit_exceeded"
	EventStepSucceeded      = "step_succeeded"
	EventStepFlagged        = "step_flagged"
	EventStepFailed         = "step_failed"
	EventReported           = "reported"
	EventMalformedOutput    = "malformed_output"
	EventAdapterUnavailable = "adapter_unavailable"
	EventCancelled          = "cancelled"
	EventBudgetExhausted    = "transition_budget_exhausted"
)

// RunRequest is the immutable input to a run.
type RunRequest struct {
	Text          string `json:"text"`
	StructurePath string `json:"structure_path,omitempty"`
}

// Field returns the request field an operation input may read.
func (r RunRequest) Field(f registry.RequestField) string {
	switch f {
	case registry.RequestText:
		return r.Text
	case registry.RequestStructure:
		return r.StructurePath
	default:
		return ""
	}
}

// ProposalKind tags a Proposal.
type ProposalKind string

const (
	KindPlan       ProposalKind = "plan"
	KindRefused    ProposalKind = "refused"
	KindNeedsInput ProposalKind = "needs_input"
)

// Proposal is the proposer's answer: a plan, a refusal, or a request for
// more input.
type Proposal struct {
	Kind   ProposalKind `json:"kind"`
	Steps  []string     `json:"steps,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Prompt string       `json:"prompt,omitempty"`
}

// PlanOf returns a plan proposal.
func PlanOf(steps ...string) Proposal { return Proposal{Kind: KindPlan, Steps: steps} }

// Refusal returns an out-of-scope proposal.
func Refusal(reason string) Proposal { return Proposal{Kind: KindRefused, Reason: reason} }

// NeedsInput returns a proposal asking the caller for more information.
func NeedsInput(prompt string) Proposal { return Proposal{Kind: KindNeedsInput, Prompt: prompt} }

func (p Proposal) validate() error {
	switch p.Kind {
	case KindPlan:
		for i, s := range p.Steps {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%w: plan step %d is blank", ErrMalformedOutput, i)
			}
		}
	case KindRefused, KindNeedsInput:
	default:
		return fmt.Errorf("%w: unknown proposal kind %q", ErrMalformedOutput, p.Kind)
	}
	return nil
}

// Verdict is the reviewer's decision on a plan.
type Verdict struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

// Approve returns an approving verdict.
func Approve(feedback string) Verdict { return Verdict{Approved: true, Feedback: feedback} }

// Reject returns a rejecting verdict.
func Reject(feedback string) Verdict { return Verdict{Approved: false, Feedback: feedback} }

// A rejection must say why, or the next proposal has nothing to act on.
func (v Verdict) validate() error {
	if !v.Approved && strings.TrimSpace(v.Feedback) == "" {
		return fmt.Errorf("%w: rejection without feedback", ErrMalformedOutput)
	}
	return nil
}

// StepOutput is the stored result of one executed step.
type StepOutput struct {
	// Key is the operation name, or name#N for its N-th occurrence.
	Key           string         `json:"key"`
	Operation     string         `json:"operation"`
	Position      int            `json:"position"`
	Success       bool           `json:"success"`
	Flagged       bool           `json:"flagged"`
	ErrorCategory string         `json:"error_category,omitempty"`
	Error         string         `json:"error,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Attempts      int            `json:"attempts"`
	Duration      time.Duration  `json:"duration_ns"`
}

// TraceRecord documents one state machine transition.
type TraceRecord struct {
	Seq       int           `json:"seq"`
	Stage     Stage         `json:"stage"`
	Next      Stage         `json:"next"`
	Outcome   string        `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Snapshot is an immutable copy of a RunState.
type Snapshot struct {
	RunID         string        `json:"run_id"`
	Request       RunRequest    `json:"request"`
	Plan          []string      `json:"plan"`
	Cursor        int           `json:"cursor"`
	StepOutputs   []StepOutput  `json:"step_outputs"`
	RevisionCount int           `json:"revision_count"`
	LastFeedback  string        `json:"last_feedback,omitempty"`
	Trace         []TraceRecord `json:"trace"`
	Outcome       Outcome       `json:"outcome,omitempty"`
	FailedStep    string        `json:"failed_step,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Report        string        `json:"report,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
}

// Output returns the step output stored under key.
func (s Snapshot) Output(key string) (StepOutput, bool) {
	for _, o := range s.StepOutputs {
		if o.Key == key {
			return o, true
		}
	}
	return StepOutput{}, false
}

// Outputs returns the step outputs keyed by Key.
func (s Snapshot) Outputs() map[string]StepOutput {
	m := make(map[string]StepOutput, len(s.StepOutputs))
	for _, o := range s.StepOutputs {
		m[o.Key] = o
	}
	return m
}

// Terminal reports whether the run has ended.
func (s Snapshot) Terminal() bool {
	return s.Outcome != ""
}

// Result is what Run returns: the final snapshot of a run.
type Result struct {
	Snapshot
}

// Err returns a *RunError describing a failed outcome, or nil for Completed
// and Refused.
func (r *Result) Err() error {
	if r == nil || !r.Outcome.IsFailure() {
		return nil
	}
	return &RunError{
		Outcome:   r.Outcome,
		Stage:     r.lastStage(),
		Operation: r.FailedStep,
		Detail:    r.Detail,
	}
}

func (r *Result) lastStage() Stage {
	if n := len(r.Trace); n > 0 {
		return r.Trace[n-1].Stage
	}
	return StageProposing
}
