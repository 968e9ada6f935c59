package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/events"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
	"github.com/fyrsmithlabs/mofsci/internal/runstore"
	"github.com/fyrsmithlabs/mofsci/internal/services"
)

const opProbe = "probe"

// gate blocks the probe operation until released or cancelled.
type gate chan struct{}

func (g gate) run(ctx context.Context, _ registry.Args) (registry.Result, error) {
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return registry.Result{}, ctx.Err()
		}
	}
	return registry.Succeeded(map[string]any{"ok": true}), nil
}

type testEnv struct {
	server  *Server
	manager *services.Manager
	release gate
}

type envOptions struct {
	block     bool
	withStore bool
	withNATS  bool
	config    *Config
}

func setupTestServer(t *testing.T) *testEnv {
	return setupTestEnv(t, envOptions{})
}

func setupTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	var release gate
	if o.block {
		release = make(gate)
	}

	reg, err := registry.New(registry.Operation{
		Name:        opProbe,
		Description: "Probe the request.",
		Inputs: []registry.Input{
			{Key: "query", Required: true, Sources: []registry.Source{registry.FromRequest(registry.RequestText)}},
		},
		Outputs: []string{"ok"},
		Run:     release.run,
	})
	require.NoError(t, err)

	var execOpts []orchestrator.Option
	mopts := services.Options{}

	if o.withStore {
		store, err := runstore.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		execOpts = append(execOpts, orchestrator.WithTraceSink(store))
		mopts.Store = store
	}
	if o.withNATS {
		srv, err := events.StartEmbedded("127.0.0.1", -1)
		require.NoError(t, err)
		t.Cleanup(srv.Shutdown)
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)

		pub, err := events.NewPublisher(nc, "", zap.NewNop())
		require.NoError(t, err)
		execOpts = append(execOpts, orchestrator.WithTraceSink(pub))
		mopts.NATS = nc
	}

	exec, err := orchestrator.NewExecutor(reg,
		orchestrator.ProposerFunc(func(context.Context, orchestrator.ProposalInput) (orchestrator.Proposal, error) {
			return orchestrator.PlanOf(opProbe), nil
		}),
		orchestrator.ReviewerFunc(func(context.Context, orchestrator.ReviewInput) (orchestrator.Verdict, error) {
			return orchestrator.Approve(""), nil
		}),
		orchestrator.SynthesizerFunc(func(context.Context, orchestrator.Snapshot) (string, error) {
			return "probe finished", nil
		}),
		execOpts...,
	)
	require.NoError(t, err)

	mopts.Runner = exec
	m, err := services.NewManager(mopts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	s, err := NewServer(m, zap.NewNop(), o.config)
	require.NoError(t, err)
	return &testEnv{server: s, manager: m, release: release}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewServer(t *testing.T) {
	env := setupTestServer(t)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(env.manager, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, 30*time.Second, server.config.Heartbeat)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(env.manager, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when run service is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "run service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "mofsci", resp.Service)
}

func TestHandleTools(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tools := decode[[]registry.Descriptor](t, rec)
	require.Len(t, tools, 1)
	assert.Equal(t, opProbe, tools[0].Name)
	assert.Equal(t, []string{"ok"}, tools[0].Outputs)
}

func TestMetricsRoute(t *testing.T) {
	env := setupTestEnv(t, envOptions{config: &Config{
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "mofsci_runs_total 1\n")
		}),
	}})

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mofsci_runs_total")

	bare := setupTestServer(t)
	assert.Equal(t, http.StatusNotFound, bare.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestHandleCreateRun(t *testing.T) {
	t.Run("runs synchronously", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "probe it"})
		require.Equal(t, http.StatusOK, rec.Code)

		snap := decode[orchestrator.Snapshot](t, rec)
		assert.Equal(t, orchestrator.OutcomeCompleted, snap.Outcome)
		assert.Equal(t, []string{opProbe}, snap.Plan)
		assert.Equal(t, "probe finished", snap.Report)
		assert.NotEmpty(t, snap.RunID)
	})

	t.Run("rejects blank request", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "request field is required")
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		env := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		env.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("starts async runs", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "probe it", Async: true})
		require.Equal(t, http.StatusAccepted, rec.Code)

		started := decode[StartedResponse](t, rec)
		assert.Equal(t, StatusAccepted, started.Status)
		assert.Equal(t, "/api/v1/runs/"+started.RunID, rec.Header().Get(echo.HeaderLocation))

		require.Eventually(t, func() bool {
			return env.do(t, http.MethodGet, "/api/v1/runs/"+started.RunID, nil).Code == http.StatusOK
		}, 5*time.Second, 10*time.Millisecond)

		snap := decode[orchestrator.Snapshot](t, env.do(t, http.MethodGet, "/api/v1/runs/"+started.RunID, nil))
		assert.Equal(t, orchestrator.OutcomeCompleted, snap.Outcome)
	})

	t.Run("rejects runs after shutdown", func(t *testing.T) {
		env := setupTestServer(t)
		require.NoError(t, env.manager.Shutdown(context.Background()))

		rec := env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "probe it", Async: true})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleGetRun(t *testing.T) {
	t.Run("reports in-flight runs", func(t *testing.T) {
		env := setupTestEnv(t, envOptions{block: true, withStore: true})

		runID, err := env.manager.Start(orchestrator.RunRequest{Text: "probe it"})
		require.NoError(t, err)

		rec := env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		status := decode[RunStatusResponse](t, rec)
		assert.Equal(t, runID, status.RunID)
		assert.Equal(t, StatusRunning, status.Status)

		close(env.release)
		require.Eventually(t, func() bool {
			return env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil).Code == http.StatusOK
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		env := setupTestServer(t)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs/missing", nil).Code)
	})

	t.Run("invalid run id is 400", func(t *testing.T) {
		env := setupTestServer(t)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/runs/bad.id", nil).Code)
	})
}

func TestHandleCancelRun(t *testing.T) {
	env := setupTestEnv(t, envOptions{block: true})

	runID, err := env.manager.Start(orchestrator.RunRequest{Text: "probe it"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, StatusCancelling, decode[StartedResponse](t, rec).Status)

	var snap orchestrator.Snapshot
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = decode[orchestrator.Snapshot](t, rec)
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, orchestrator.OutcomeCancelled, snap.Outcome)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/runs/"+runID, nil).Code)
}

func TestHandleListRuns(t *testing.T) {
	env := setupTestEnv(t, envOptions{withStore: true})

	rec := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "probe it"}).Code)

	list := decode[[]runstore.Summary](t, env.do(t, http.MethodGet, "/api/v1/runs?outcome=completed&limit=5", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "probe it", list[0].Request)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil).Code)
}

func TestHandleRunEvents_FinishedRunIsReplayed(t *testing.T) {
	env := setupTestServer(t)

	snap := decode[orchestrator.Snapshot](t, env.do(t, http.MethodPost, "/api/v1/runs", RunRequest{Request: "probe it"}))

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+snap.RunID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Equal(t, len(snap.Trace), strings.Count(body, "event: trace\n"))
	assert.Equal(t, 1, strings.Count(body, "event: done\n"))
	assert.Greater(t, strings.Index(body, "event: done"), strings.LastIndex(body, "event: trace"))
}

func TestHandleRunEvents_NoBroker(t *testing.T) {
	env := setupTestEnv(t, envOptions{block: true})

	runID, err := env.manager.Start(orchestrator.RunRequest{Text: "probe it"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs/missing/events", nil).Code)
}

func TestHandleRunEvents_LiveStream(t *testing.T) {
	env := setupTestEnv(t, envOptions{block: true, withStore: true, withNATS: true})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	runID, err := env.manager.Start(orchestrator.RunRequest{Text: "probe it"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/runs/"+runID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var kinds []string
	released := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		kind, ok := strings.CutPrefix(strings.TrimSpace(line), "event: ")
		if !ok {
			continue
		}
		kinds = append(kinds, kind)
		if !released {
			close(env.release)
			released = true
		}
		if kind == events.KindDone {
			break
		}
	}

	snap, err := env.manager.Get(context.Background(), runID)
	require.NoError(t, err)
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindDone, kinds[len(kinds)-1])
	assert.Len(t, kinds, len(snap.Trace)+1, "every trace record exactly once, then done")
}
