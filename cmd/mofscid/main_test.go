package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("MOFSCI_SERVER_HTTP_PORT", "18094")
	t.Setenv("MOFSCI_STORE_PATH", filepath.Join(dir, "runs.db"))
	t.Setenv("MOFSCI_TOOLS_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("MOFSCI_NATS_EMBEDDED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	base := "http://127.0.0.1:18094"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not become healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	body, _ := json.Marshal(map[string]any{"request": "Find HKUST-1 in the catalog"})
	resp, err := http.Post(base+"/api/v1/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/runs failed: %v", err)
	}
	var snap struct {
		RunID   string   `json:"run_id"`
		Outcome string   `json:"outcome"`
		Plan    []string `json:"plan"`
	}
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding run: %v", err)
	}
	if snap.Outcome != "completed" {
		t.Errorf("outcome = %q, want completed", snap.Outcome)
	}
	if len(snap.Plan) != 1 || snap.Plan[0] != "search_mof_db" {
		t.Errorf("plan = %v, want [search_mof_db]", snap.Plan)
	}

	resp, err = http.Get(base + "/api/v1/runs/" + snap.RunID)
	if err != nil {
		t.Fatalf("GET run failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET run status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}
