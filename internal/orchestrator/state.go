package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RunState is the single-owner aggregate for one run.
//
// Only the Executor holds a *RunState. Everyone else sees a Snapshot. Once
// terminate has set an outcome, every mutator returns ErrStateSealed.
type RunState struct {
	runID         string
	request       RunRequest
	plan          []string
	cursor        int
	outputs       []StepOutput
	occurrences   map[string]int
	revisionCount int
	lastFeedback  string
	trace         []TraceRecord
	outcome       Outcome
	failedStep    string
	detail        string
	report        string
	startedAt     time.Time
	finishedAt    time.Time
}

func newRunState(runID string, req RunRequest, now time.Time) *RunState {
	return &RunState{
		runID:       runID,
		request:     req,
		occurrences: make(map[string]int),
		startedAt:   now,
	}
}

func (s *RunState) sealed() error {
	if s.outcome != "" {
		return fmt.Errorf("%w: run %s ended %s", ErrStateSealed, s.runID, s.outcome)
	}
	return nil
}

// setPlan replaces the plan wholesale and rewinds the cursor.
func (s *RunState) setPlan(steps []string) error {
	if err := s.sealed(); err != nil {
		return err
	}
	s.plan = slices.Clone(steps)
	s.cursor = 0
	return nil
}

// recordRejection counts one revision and keeps the reviewer's feedback.
func (s *RunState) recordRejection(feedback string) error {
	if err := s.sealed(); err != nil {
		return err
	}
	s.revisionCount++
	s.lastFeedback = feedback
	return nil
}

func (s *RunState) setFeedback(feedback string) error {
	if err := s.sealed(); err != nil {
		return err
	}
	s.lastFeedback = feedback
	return nil
}

// commitStep stores the output of the step at the cursor and advances it.
// The output key and position are assigned here.
func (s *RunState) commitStep(out StepOutput) (StepOutput, error) {
	if err := s.sealed(); err != nil {
		return StepOutput{}, err
	}
	if s.cursor >= len(s.plan) {
		return StepOutput{}, fmt.Errorf("commit past end of plan (cursor %d, %d steps)", s.cursor, len(s.plan))
	}
	if want := s.plan[s.cursor]; out.Operation != want {
		return StepOutput{}, fmt.Errorf("commit of %q at position %d, plan expects %q", out.Operation, s.cursor, want)
	}

	s.occurrences[out.Operation]++
	out.Key = outputKey(out.Operation, s.occurrences[out.Operation])
	out.Position = s.cursor
	out.Data = maps.Clone(out.Data)

	s.outputs = append(s.outputs, out)
	s.cursor++
	return out, nil
}

func outputKey(op string, n int) string {
	if n <= 1 {
		return op
	}
	return fmt.Sprintf("%s#%d", op, n)
}

// appendTrace adds one transition record. Seq is assigned here.
func (s *RunState) appendTrace(rec TraceRecord) (TraceRecord, error) {
	if err := s.sealed(); err != nil {
		return TraceRecord{}, err
	}
	rec.Seq = len(s.trace) + 1
	s.trace = append(s.trace, rec)
	return rec, nil
}

// terminate records the final transition and seals the state.
func (s *RunState) terminate(rec TraceRecord, outcome Outcome, failedStep, detail, report string) (TraceRecord, error) {
	rec, err := s.appendTrace(rec)
	if err != nil {
		return TraceRecord{}, err
	}
	s.outcome = outcome
	s.failedStep = failedStep
	s.detail = detail
	s.report = report
	s.finishedAt = rec.Timestamp
	return rec, nil
}

// latestField returns the named payload field from the most recent
// successful output carrying it. Flagged outputs are never consulted.
func (s *RunState) latestField(field string) (any, bool) {
	for i := len(s.outputs) - 1; i >= 0; i-- {
		o := s.outputs[i]
		if !o.Success || o.Flagged {
			continue
		}
		if v, ok := o.Data[field]; ok && !isEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func (s *RunState) currentStep() (string, bool) {
	if s.cursor >= len(s.plan) {
		return "", false
	}
	return s.plan[s.cursor], true
}

func (s *RunState) done() bool {
	return s.cursor >= len(s.plan)
}

// Snapshot returns a deep copy of the state.
func (s *RunState) Snapshot() Snapshot {
	outputs := make([]StepOutput, len(s.outputs))
	for i, o := range s.outputs {
		o.Data = maps.Clone(o.Data)
		outputs[i] = o
	}
	return Snapshot{
		RunID:         s.runID,
		Request:       s.request,
		Plan:          slices.Clone(s.plan),
		Cursor:        s.cursor,
		StepOutputs:   outputs,
		RevisionCount: s.revisionCount,
		LastFeedback:  s.lastFeedback,
		Trace:         slices.Clone(s.trace),
		Outcome:       s.outcome,
		FailedStep:    s.failedStep,
		Detail:        s.detail,
		Report:        s.report,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}
}
