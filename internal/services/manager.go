package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/events"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
	"github.com/fyrsmithlabs/mofsci/internal/runstore"
)

const defaultRecentLimit = 100

var (
	// ErrNotFound is returned for run IDs that are neither finished nor
	// in flight.
	ErrNotFound = errors.New("run not found")

	// ErrNotRunning is returned by Cancel for runs that are not in flight.
	ErrNotRunning = errors.New("run is not in flight")

	// ErrShuttingDown rejects new runs after Shutdown.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Runner executes one run under a caller-chosen ID.
type Runner interface {
	RunWithID(ctx context.Context, runID string, req orchestrator.RunRequest) (*orchestrator.Result, error)
	Registry() *registry.Registry
}

// RunStore is the read side of the run store.
type RunStore interface {
	Get(ctx context.Context, runID string) (*orchestrator.Snapshot, error)
	Trace(ctx context.Context, runID string) ([]orchestrator.TraceRecord, error)
	List(ctx context.Context, opts runstore.ListOptions) ([]runstore.Summary, error)
}

// Options configures a Manager.
type Options struct {
	Runner Runner

	// Store answers lookups of finished runs. Optional.
	Store RunStore

	// NATS carries trace events for streaming. Optional.
	NATS          *nats.Conn
	SubjectPrefix string

	Logger *logging.Logger

	// RecentLimit bounds finished runs kept in memory when Store is nil
	// (default: 100).
	RecentLimit int
}

type inflight struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// Manager starts, tracks and cancels runs.
type Manager struct {
	runner Runner
	store  RunStore
	nc     *nats.Conn
	prefix string
	logger *logging.Logger

	running sync.Map // run ID -> *inflight
	wg      sync.WaitGroup

	base    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	closed  bool
	recent  map[string]orchestrator.Snapshot
	order   []string
	recentN int
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = events.DefaultPrefix
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		runner:  opts.Runner,
		store:   opts.Store,
		nc:      opts.NATS,
		prefix:  opts.SubjectPrefix,
		logger:  opts.Logger.Named("services"),
		base:    base,
		stop:    stop,
		recent:  make(map[string]orchestrator.Snapshot),
		recentN: opts.RecentLimit,
	}, nil
}

// Registry returns the operations runs may use.
func (m *Manager) Registry() *registry.Registry {
	return m.runner.Registry()
}

// Run executes a run and waits for its result. Cancelling ctx cancels the
// run.
func (m *Manager) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Result, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	runCtx, release, err := m.register(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.execute(runCtx, runID, req)
}

// Start launches a run in the background and returns its ID. The run
// outlives the caller and is cancelled by Cancel or Shutdown.
func (m *Manager) Start(req orchestrator.RunRequest) (string, error) {
	if err := checkRequest(req); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	runCtx, release, err := m.register(m.base, runID)
	if err != nil {
		return "", err
	}

	go func() {
		defer release()
		if _, err := m.execute(runCtx, runID, req); err != nil {
			m.logger.Error(runCtx, "background run rejected", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

func checkRequest(req orchestrator.RunRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: request text is empty", orchestrator.ErrInvalidRequest)
	}
	return nil
}

func (m *Manager) register(parent context.Context, runID string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(parent)
	m.running.Store(runID, &inflight{cancel: cancel, startedAt: time.Now()})
	m.wg.Add(1)
	return ctx, func() {
		m.running.Delete(runID)
		cancel()
		m.wg.Done()
	}, nil
}

func (m *Manager) execute(ctx context.Context, runID string, req orchestrator.RunRequest) (*orchestrator.Result, error) {
	res, err := m.runner.RunWithID(ctx, runID, req)
	if err != nil {
		return nil, err
	}
	m.remember(res.Snapshot)
	return res, nil
}

// remember keeps finished runs for Get when there is no store.
func (m *Manager) remember(snap orchestrator.Snapshot) {
	if m.store != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recent[snap.RunID]; !ok {
		m.order = append(m.order, snap.RunID)
	}
	m.recent[snap.RunID] = snap
	for len(m.order) > m.recentN {
		delete(m.recent, m.order[0])
		m.order = m.order[1:]
	}
}

// Cancel cancels an in-flight run.
func (m *Manager) Cancel(runID string) error {
	v, ok := m.running.Load(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, runID)
	}
	run := v.(*inflight)
	run.cancel()
	m.logger.Info(context.Background(), "run cancellation requested",
		zap.String("run_id", runID),
		zap.Duration("running_for", time.Since(run.startedAt)))
	return nil
}

// Running reports whether runID is in flight.
func (m *Manager) Running(runID string) bool {
	_, ok := m.running.Load(runID)
	return ok
}

// InFlight returns the number of runs in flight.
func (m *Manager) InFlight() int {
	n := 0
	m.running.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Get returns the final snapshot of a finished run.
func (m *Manager) Get(ctx context.Context, runID string) (*orchestrator.Snapshot, error) {
	if m.store == nil {
		m.mu.Lock()
		snap, ok := m.recent[runID]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return &snap, nil
	}
	snap, err := m.store.Get(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return snap, err
}

// Trace returns the trace recorded so far for a run, finished or not. It
// needs a store for in-flight runs.
func (m *Manager) Trace(ctx context.Context, runID string) ([]orchestrator.TraceRecord, error) {
	if m.store != nil {
		return m.store.Trace(ctx, runID)
	}
	snap, err := m.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.Trace, nil
}

// List returns stored runs, most recent first.
func (m *Manager) List(ctx context.Context, opts runstore.ListOptions) ([]runstore.Summary, error) {
	if m.store != nil {
		return m.store.List(ctx, opts)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runstore.Summary
	for i := len(m.order) - 1; i >= 0; i-- {
		snap := m.recent[m.order[i]]
		if opts.Outcome != "" && snap.Outcome != opts.Outcome {
			continue
		}
		out = append(out, runstore.Summary{
			RunID:         snap.RunID,
			Outcome:       snap.Outcome,
			Request:       snap.Request.Text,
			Plan:          snap.Plan,
			RevisionCount: snap.RevisionCount,
			FailedStep:    snap.FailedStep,
			StartedAt:     snap.StartedAt,
			FinishedAt:    snap.FinishedAt,
		})
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Subscribe streams the events of a run. It fails when no broker is
// configured.
func (m *Manager) Subscribe(runID string) (*events.Subscription, error) {
	if m.nc == nil {
		return nil, errors.New("trace streaming is not configured")
	}
	return events.Subscribe(m.nc, m.prefix, runID)
}

// Streaming reports whether Subscribe can be used.
func (m *Manager) Streaming() bool {
	return m.nc != nil
}

// Shutdown rejects new runs, cancels every in-flight run and waits for them to
// record their outcome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.running.Range(func(_, v any) bool {
		v.(*inflight).cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d runs: %w", m.InFlight(), ctx.Err())
	}
}
