package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallAdapter_Success(t *testing.T) {
	got, fail := callAdapter(context.Background(), adapterReporter, time.Second, validReport,
		func(context.Context) (string, error) { return "ok", nil })
	require.Nil(t, fail)
	assert.Equal(t, "ok", got)
}

func TestCallAdapter_Classification(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(context.Context) (string, error)
		outcome Outcome
		event   string
	}{
		{
			name:    "malformed",
			fn:      func(context.Context) (string, error) { return "", fmt.Errorf("%w: not json", ErrMalformedOutput) },
			outcome: OutcomeConfigurationError,
			event:   EventMalformedOutput,
		},
		{
			name:    "validation",
			fn:      func(context.Context) (string, error) { return "", nil },
			outcome: OutcomeConfigurationError,
			event:   EventMalformedOutput,
		},
		{
			name:    "transport",
			fn:      func(context.Context) (string, error) { return "", errors.New("503 service unavailable") },
			outcome: OutcomeAdapterUnavailable,
			event:   EventAdapterUnavailable,
		},
		{
			name: "timeout",
			fn: func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			outcome: OutcomeAdapterUnavailable,
			event:   EventAdapterUnavailable,
		},
		{
			name:    "panic",
			fn:      func(context.Context) (string, error) { panic("nil map") },
			outcome: OutcomeAdapterUnavailable,
			event:   EventAdapterUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fail := callAdapter(context.Background(), adapterReporter, 20*time.Millisecond, validReport, tt.fn)
			require.NotNil(t, fail)
			assert.Equal(t, tt.outcome, fail.outcome)
			assert.Equal(t, tt.event, fail.event)
			assert.Contains(t, fail.Error(), adapterReporter)
		})
	}
}

func TestCallAdapter_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, fail := callAdapter(ctx, adapterProposer, time.Second, nil,
		func(ctx context.Context) (Proposal, error) { return Proposal{}, ctx.Err() })
	require.NotNil(t, fail)
	assert.Equal(t, OutcomeCancelled, fail.outcome)
	assert.ErrorIs(t, fail, context.Canceled)
}

func TestCallAdapter_TimeoutDetail(t *testing.T) {
	_, fail := callAdapter(context.Background(), adapterReviewer, 10*time.Millisecond, nil,
		func(ctx context.Context) (Verdict, error) {
			<-ctx.Done()
			return Verdict{}, ctx.Err()
		})
	require.NotNil(t, fail)
	assert.Contains(t, fail.Error(), "timed out after 10ms")
	assert.ErrorIs(t, fail, context.DeadlineExceeded)
}

func TestProposalValidate(t *testing.T) {
	assert.NoError(t, PlanOf("a", "b").validate())
	assert.NoError(t, PlanOf().validate())
	assert.NoError(t, Refusal("no").validate())
	assert.NoError(t, NeedsInput("which?").validate())
	assert.ErrorIs(t, PlanOf("a", "").validate(), ErrMalformedOutput)
	assert.ErrorIs(t, Proposal{Kind: "maybe"}.validate(), ErrMalformedOutput)
}

func TestVerdictValidate(t *testing.T) {
	assert.NoError(t, Approve("").validate())
	assert.NoError(t, Reject("wrong order").validate())
	assert.ErrorIs(t, Reject("  ").validate(), ErrMalformedOutput)
}

func TestOutcomes(t *testing.T) {
	assert.Len(t, AllOutcomes(), 7)
	assert.False(t, OutcomeCompleted.IsFailure())
	assert.False(t, OutcomeRefused.IsFailure())
	for _, o := range []Outcome{OutcomeStepFailed, OutcomeConfigurationError, OutcomeAdapterUnavailable, OutcomeCancelled, OutcomeRevisionLimitExceeded} {
		assert.True(t, o.IsFailure(), o)
	}
	assert.True(t, OutcomeAdapterUnavailable.Retryable())
	assert.False(t, OutcomeStepFailed.Retryable())
}

func TestRunError(t *testing.T) {
	err := &RunError{Outcome: OutcomeStepFailed, Stage: StageExecuting, Operation: opEnergy, Detail: "missing structure"}
	assert.Equal(t, "run step_failed at executing (operation calculate_energy_force): missing structure", err.Error())
	assert.Nil(t, errors.Unwrap(err))

	wrapped := &RunError{Outcome: OutcomeStepFailed, Err: ErrMissingInput}
	assert.ErrorIs(t, wrapped, ErrMissingInput)
	assert.ErrorIs(t, &RunError{Outcome: OutcomeCancelled}, ErrCancelled)
}
