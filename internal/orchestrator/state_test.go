package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T, plan ...string) *RunState {
	t.Helper()
	s := newRunState("run-1", RunRequest{Text: "find a copper MOF"}, time.Now())
	require.NoError(t, s.setPlan(plan))
	return s
}

func TestRunState_CommitStepAdvancesCursor(t *testing.T) {
	s := newTestState(t, "search", "relax")

	out, err := s.commitStep(StepOutput{Operation: "search", Success: true, Data: map[string]any{"cif_filepath": "a.cif"}})
	require.NoError(t, err)
	assert.Equal(t, "search", out.Key)
	assert.Equal(t, 0, out.Position)
	assert.Equal(t, 1, s.cursor)
	assert.False(t, s.done())

	_, err = s.commitStep(StepOutput{Operation: "relax", Success: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.cursor)
	assert.True(t, s.done())
}

func TestRunState_CommitStepRejectsOutOfOrder(t *testing.T) {
	s := newTestState(t, "search", "relax")

	_, err := s.commitStep(StepOutput{Operation: "relax", Success: true})
	require.Error(t, err)
	assert.Equal(t, 0, s.cursor)
	assert.Empty(t, s.outputs)
}

func TestRunState_CommitStepPastEnd(t *testing.T) {
	s := newTestState(t, "search")
	_, err := s.commitStep(StepOutput{Operation: "search", Success: true})
	require.NoError(t, err)

	_, err = s.commitStep(StepOutput{Operation: "search", Success: true})
	require.Error(t, err)
	assert.Equal(t, 1, s.cursor)
}

func TestRunState_RepeatedOperationKeys(t *testing.T) {
	s := newTestState(t, "relax", "search", "relax", "relax")

	var keys []string
	for _, op := range []string{"relax", "search", "relax", "relax"} {
		out, err := s.commitStep(StepOutput{Operation: op, Success: true})
		require.NoError(t, err)
		keys = append(keys, out.Key)
	}
	assert.Equal(t, []string{"relax", "search", "relax#2", "relax#3"}, keys)

	snap := s.Snapshot()
	_, ok := snap.Output("relax#3")
	assert.True(t, ok)
	assert.Len(t, snap.Outputs(), 4)
}

func TestRunState_LatestFieldSkipsFlagged(t *testing.T) {
	s := newTestState(t, "search", "relax", "relax")

	_, err := s.commitStep(StepOutput{Operation: "search", Success: true, Data: map[string]any{"cif_filepath": "raw.cif"}})
	require.NoError(t, err)
	_, err = s.commitStep(StepOutput{Operation: "relax", Success: true, Data: map[string]any{"cif_filepath": "relaxed.cif"}})
	require.NoError(t, err)
	_, err = s.commitStep(StepOutput{Operation: "relax", Flagged: true, ErrorCategory: "non_convergence", Data: map[string]any{"cif_filepath": "bad.cif"}})
	require.NoError(t, err)

	v, ok := s.latestField("cif_filepath")
	require.True(t, ok)
	assert.Equal(t, "relaxed.cif", v)

	_, ok = s.latestField("energy_ev")
	assert.False(t, ok)
}

func TestRunState_LatestFieldIgnoresEmptyValues(t *testing.T) {
	s := newTestState(t, "search", "relax")

	_, err := s.commitStep(StepOutput{Operation: "search", Success: true, Data: map[string]any{"cif_filepath": "raw.cif"}})
	require.NoError(t, err)
	_, err = s.commitStep(StepOutput{Operation: "relax", Success: true, Data: map[string]any{"cif_filepath": ""}})
	require.NoError(t, err)

	v, ok := s.latestField("cif_filepath")
	require.True(t, ok)
	assert.Equal(t, "raw.cif", v)
}

func TestRunState_SealedAfterTerminate(t *testing.T) {
	s := newTestState(t, "search")

	rec, err := s.terminate(TraceRecord{Stage: StageProposing, Next: StageDone, Timestamp: time.Now()}, OutcomeRefused, "", "out of scope", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Seq)

	assert.ErrorIs(t, s.setPlan([]string{"relax"}), ErrStateSealed)
	assert.ErrorIs(t, s.recordRejection("nope"), ErrStateSealed)
	assert.ErrorIs(t, s.setFeedback("nope"), ErrStateSealed)
	_, err = s.commitStep(StepOutput{Operation: "search"})
	assert.ErrorIs(t, err, ErrStateSealed)
	_, err = s.appendTrace(TraceRecord{})
	assert.ErrorIs(t, err, ErrStateSealed)
	_, err = s.terminate(TraceRecord{}, OutcomeCompleted, "", "", "")
	assert.ErrorIs(t, err, ErrStateSealed)

	snap := s.Snapshot()
	assert.Equal(t, OutcomeRefused, snap.Outcome)
	assert.Len(t, snap.Trace, 1)
	assert.True(t, snap.Terminal())
}

func TestRunState_SnapshotIsIsolated(t *testing.T) {
	s := newTestState(t, "search")
	_, err := s.commitStep(StepOutput{Operation: "search", Success: true, Data: map[string]any{"name": "HKUST-1"}})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Plan[0] = "tampered"
	snap.StepOutputs[0].Data["name"] = "tampered"

	again := s.Snapshot()
	assert.Equal(t, "search", again.Plan[0])
	assert.Equal(t, "HKUST-1", again.StepOutputs[0].Data["name"])
}

func TestRunState_CommitClonesData(t *testing.T) {
	s := newTestState(t, "search")
	data := map[string]any{"name": "HKUST-1"}
	_, err := s.commitStep(StepOutput{Operation: "search", Success: true, Data: data})
	require.NoError(t, err)

	data["name"] = "tampered"
	assert.Equal(t, "HKUST-1", s.Snapshot().StepOutputs[0].Data["name"])
}

func TestRunState_RejectionCounting(t *testing.T) {
	s := newTestState(t, "search")
	require.NoError(t, s.recordRejection("wrong order"))
	require.NoError(t, s.recordRejection("still wrong"))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.RevisionCount)
	assert.Equal(t, "still wrong", snap.LastFeedback)
}

func TestRunState_SetPlanRewindsCursor(t *testing.T) {
	s := newTestState(t, "search")
	_, err := s.commitStep(StepOutput{Operation: "search", Success: true})
	require.NoError(t, err)

	require.NoError(t, s.setPlan([]string{"relax", "search"}))
	assert.Equal(t, 0, s.cursor)
	step, ok := s.currentStep()
	assert.True(t, ok)
	assert.Equal(t, "relax", step)
}
