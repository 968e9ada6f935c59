package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// ErrRunNotFound is returned when the server does not know the run.
var ErrRunNotFound = errors.New("run not found")

// RunClient reads run state from a mofscid server.
type RunClient struct {
	baseURL string
	client  *http.Client
}

// RunView is the state of a run as seen by one poll.
type RunView struct {
	RunID    string
	Status   string
	Finished bool
	Trace    []orchestrator.TraceRecord
	Snapshot *orchestrator.Snapshot
}

type runningResponse struct {
	RunID  string                     `json:"run_id"`
	Status string                     `json:"status"`
	Trace  []orchestrator.TraceRecord `json:"trace"`
}

// NewRunClient creates a new run client
func NewRunClient(baseURL string) *RunClient {
	return &RunClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Fetch returns the current view of a run. A finished run carries its
// snapshot; an in-flight run carries the trace recorded so far.
func (c *RunClient) Fetch(ctx context.Context, runID string) (RunView, error) {
	u := fmt.Sprintf("%s/api/v1/runs/%s", c.baseURL, url.PathEscape(runID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return RunView{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return RunView{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var snap orchestrator.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return RunView{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return RunView{
			RunID:    snap.RunID,
			Status:   string(snap.Outcome),
			Finished: true,
			Trace:    snap.Trace,
			Snapshot: &snap,
		}, nil
	case http.StatusAccepted:
		var running runningResponse
		if err := json.NewDecoder(resp.Body).Decode(&running); err != nil {
			return RunView{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return RunView{RunID: running.RunID, Status: running.Status, Trace: running.Trace}, nil
	case http.StatusNotFound:
		return RunView{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	default:
		return RunView{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
}
