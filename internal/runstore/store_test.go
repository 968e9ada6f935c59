package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(id string, outcome orchestrator.Outcome, finished time.Time) orchestrator.Snapshot {
	return orchestrator.Snapshot{
		RunID:         id,
		Request:       orchestrator.RunRequest{Text: "Relax HKUST-1", StructurePath: "/tmp/a.cif"},
		Plan:          []string{"search_mof_db", "optimize_structure"},
		Cursor:        2,
		RevisionCount: 1,
		LastFeedback:  "search first",
		StepOutputs: []orchestrator.StepOutput{
			{Key: "search_mof_db", Operation: "search_mof_db", Success: true, Attempts: 1, Data: map[string]any{"name": "HKUST-1"}},
			{Key: "optimize_structure", Operation: "optimize_structure", Position: 1, Flagged: true, ErrorCategory: "non_convergence", Attempts: 1},
		},
		Trace: []orchestrator.TraceRecord{
			{Seq: 1, Stage: orchestrator.StageProposing, Next: orchestrator.StageReviewing, Outcome: "plan_proposed"},
		},
		Outcome:    outcome,
		Report:     "# report",
		StartedAt:  finished.Add(-time.Second).UTC(),
		FinishedAt: finished.UTC(),
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RunFinished(context.Background(), snapshot("run-1", orchestrator.OutcomeCompleted, time.Now())))
	_, err = s.Get(context.Background(), "run-1")
	assert.NoError(t, err)
}

func TestRunFinished_Get(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := snapshot("run-1", orchestrator.OutcomeCompleted, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	require.NoError(t, s.RunFinished(ctx, want))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.Outcome, got.Outcome)
	assert.Equal(t, want.Plan, got.Plan)
	assert.Equal(t, want.Report, got.Report)
	assert.Equal(t, want.LastFeedback, got.LastFeedback)
	assert.True(t, want.FinishedAt.Equal(got.FinishedAt))
	require.Len(t, got.StepOutputs, 2)
	assert.Equal(t, "HKUST-1", got.StepOutputs[0].Data["name"])
	assert.True(t, got.StepOutputs[1].Flagged)
	assert.Len(t, got.Trace, 1)
}

func TestRunFinished_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RunFinished(ctx, snapshot("run-1", orchestrator.OutcomeCancelled, now)))
	require.NoError(t, s.RunFinished(ctx, snapshot("run-1", orchestrator.OutcomeCompleted, now)))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeCompleted, got.Outcome)

	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	recs := []orchestrator.TraceRecord{
		{Seq: 2, Stage: orchestrator.StageReviewing, Next: orchestrator.StageExecuting, Outcome: "approved", Elapsed: time.Millisecond, Timestamp: ts},
		{Seq: 1, Stage: orchestrator.StageProposing, Next: orchestrator.StageReviewing, Outcome: "plan_proposed", Detail: "2 steps", Timestamp: ts},
	}
	for _, r := range recs {
		require.NoError(t, s.RecordTrace(ctx, "run-1", r))
	}
	// replayed sequence numbers are ignored
	require.NoError(t, s.RecordTrace(ctx, "run-1", orchestrator.TraceRecord{Seq: 1, Stage: orchestrator.StageDone, Next: orchestrator.StageDone, Outcome: "other"}))
	require.NoError(t, s.RecordTrace(ctx, "run-2", recs[0]))

	got, err := s.Trace(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Seq)
	assert.Equal(t, "plan_proposed", got[0].Outcome)
	assert.Equal(t, "2 steps", got[0].Detail)
	assert.Equal(t, orchestrator.StageReviewing, got[0].Next)
	assert.Equal(t, time.Millisecond, got[1].Elapsed)
	assert.True(t, ts.Equal(got[1].Timestamp))

	none, err := s.Trace(ctx, "run-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RunFinished(ctx, snapshot("run-a", orchestrator.OutcomeCompleted, base)))
	require.NoError(t, s.RunFinished(ctx, snapshot("run-b", orchestrator.OutcomeStepFailed, base.Add(time.Hour))))
	require.NoError(t, s.RunFinished(ctx, snapshot("run-c", orchestrator.OutcomeCompleted, base.Add(2*time.Hour))))

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"run-c", "run-b", "run-a"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})
	assert.Equal(t, []string{"search_mof_db", "optimize_structure"}, all[0].Plan)
	assert.Equal(t, "Relax HKUST-1", all[0].Request)

	completed, err := s.List(ctx, ListOptions{Outcome: orchestrator.OutcomeCompleted, Limit: 1})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "run-c", completed[0].RunID)
}

func TestClose_Nil(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
}
