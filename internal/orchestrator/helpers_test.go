package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

const (
	opSearch   = "search_mof_db"
	opOptimize = "optimize_structure"
	opEnergy   = "calculate_energy_force"
)

// MockProposer is a mock implementation of Proposer
type MockProposer struct {
	mock.Mock
}

func (m *MockProposer) Propose(ctx context.Context, in ProposalInput) (Proposal, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(Proposal), args.Error(1)
}

// MockReviewer is a mock implementation of Reviewer
type MockReviewer struct {
	mock.Mock
}

func (m *MockReviewer) Review(ctx context.Context, in ReviewInput) (Verdict, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(Verdict), args.Error(1)
}

// MockSynthesizer is a mock implementation of Synthesizer
type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Summarize(ctx context.Context, snap Snapshot) (string, error) {
	args := m.Called(ctx, snap)
	return args.String(0), args.Error(1)
}

// opCalls records every invocation of the test operations.
type opCalls struct {
	mu   sync.Mutex
	args map[string][]registry.Args
}

func newOpCalls() *opCalls {
	return &opCalls{args: make(map[string][]registry.Args)}
}

func (c *opCalls) record(name string, a registry.Args) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.args[name] = append(c.args[name], a)
}

func (c *opCalls) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.args[name])
}

func (c *opCalls) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.args {
		n += len(a)
	}
	return n
}

func (c *opCalls) last(name string) registry.Args {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.args[name]
	if len(a) == 0 {
		return nil
	}
	return a[len(a)-1]
}

var structureSources = []registry.Source{
	registry.FromOutput("optimized_cif_filepath"),
	registry.FromOutput("cif_filepath"),
	registry.FromRequest(registry.RequestStructure),
}

// testRegistry builds the three domain operations with deterministic
// bodies. overrides replaces an operation's Run function by name.
func testRegistry(t *testing.T, calls *opCalls, overrides map[string]registry.Func) *registry.Registry {
	t.Helper()

	wrap := func(name string, def registry.Func) registry.Func {
		fn := def
		if o, ok := overrides[name]; ok {
			fn = o
		}
		return func(ctx context.Context, args registry.Args) (registry.Result, error) {
			calls.record(name, args)
			return fn(ctx, args)
		}
	}

	reg, err := registry.New(
		registry.Operation{
			Name:       opSearch,
			Inputs:     []registry.Input{{Key: "query", Required: true, Sources: []registry.Source{registry.FromRequest(registry.RequestText)}}},
			Outputs:    []string{"name", "cif_filepath"},
			Idempotent: true,
			Run: wrap(opSearch, func(context.Context, registry.Args) (registry.Result, error) {
				return registry.Succeeded(map[string]any{"name": "HKUST-1", "cif_filepath": "/data/HKUST-1.cif"}), nil
			}),
		},
		registry.Operation{
			Name:       opOptimize,
			Inputs:     []registry.Input{{Key: "structure", Required: true, Sources: structureSources}},
			Outputs:    []string{"optimized_cif_filepath"},
			Idempotent: true,
			Retryable:  true,
			Run: wrap(opOptimize, func(_ context.Context, args registry.Args) (registry.Result, error) {
				return registry.Succeeded(map[string]any{"optimized_cif_filepath": args.String("structure") + ".opt"}), nil
			}),
		},
		registry.Operation{
			Name:       opEnergy,
			Inputs:     []registry.Input{{Key: "structure", Required: true, Sources: structureSources}},
			Outputs:    []string{"energy_ev"},
			Idempotent: true,
			Run: wrap(opEnergy, func(_ context.Context, args registry.Args) (registry.Result, error) {
				return registry.Succeeded(map[string]any{"energy_ev": -1.5, "cif_filepath": args.String("structure")}), nil
			}),
		},
	)
	require.NoError(t, err)
	return reg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProposerTimeout = 2 * time.Second
	cfg.ReviewerTimeout = 2 * time.Second
	cfg.ReporterTimeout = 2 * time.Second
	cfg.StepTimeout = 2 * time.Second
	cfg.RetryBackoff = 0
	return cfg
}

func newTestExecutor(t *testing.T, reg *registry.Registry, p Proposer, r Reviewer, s Synthesizer, opts ...Option) *Executor {
	t.Helper()
	e, err := NewExecutor(reg, p, r, s, append([]Option{WithConfig(testConfig())}, opts...)...)
	require.NoError(t, err)
	return e
}

func staticProposer(steps ...string) Proposer {
	return ProposerFunc(func(context.Context, ProposalInput) (Proposal, error) {
		return PlanOf(steps...), nil
	})
}

func approvingReviewer() Reviewer {
	return ReviewerFunc(func(context.Context, ReviewInput) (Verdict, error) {
		return Approve("looks good"), nil
	})
}

func fixedReporter(text string) Synthesizer {
	return SynthesizerFunc(func(context.Context, Snapshot) (string, error) {
		return text, nil
	})
}

// recordingSink captures everything a TraceSink receives.
type recordingSink struct {
	mu       sync.Mutex
	records  []TraceRecord
	finished []Snapshot
	err      error
}

func (s *recordingSink) RecordTrace(_ context.Context, _ string, rec TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) RunFinished(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, snap)
	return s.err
}

var errTransport = errors.New("connection refused")

// requireTraceInvariants checks the trace shape every run must have.
func requireTraceInvariants(t *testing.T, res *Result) {
	t.Helper()
	require.NotEmpty(t, res.Trace)
	require.NotEmpty(t, res.Outcome)

	done := 0
	for i, rec := range res.Trace {
		require.Equal(t, i+1, rec.Seq)
		if i > 0 {
			require.Equal(t, res.Trace[i-1].Next, rec.Stage, "record %d does not continue from %d", i, i-1)
		}
		if rec.Next == StageDone {
			done++
		}
	}
	require.Equal(t, 1, done, "exactly one record must enter done")
	require.Equal(t, StageDone, res.Trace[len(res.Trace)-1].Next)
	require.LessOrEqual(t, res.Cursor, len(res.Plan))
}

func traceEvents(res *Result) []string {
	events := make([]string, len(res.Trace))
	for i, rec := range res.Trace {
		events[i] = rec.Outcome
	}
	return events
}
