package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

var getJSON bool

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the snapshot as JSON")
}

// getCmd fetches a stored run from the server
var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Fetch a run from mofscid",
	Long: `Fetch a finished run, or the progress of an in-flight one, from the
mofscid server.

Examples:
  mofsci get 6f1c2d7e-0d7a-4a8e-9a52-1f0e3c1b2a9d
  mofsci get --server http://localhost:8080 --json 6f1c2d7e-0d7a-4a8e-9a52-1f0e3c1b2a9d`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check mofscid server health",
	Long: `Check the health status of the mofscid HTTP server.

Examples:
  # Check health
  mofsci health

  # Check health on a different server
  mofsci health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/http HealthResponse
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// runningResponse matches internal/http RunStatusResponse
type runningResponse struct {
	RunID  string                     `json:"run_id"`
	Status string                     `json:"status"`
	Trace  []orchestrator.TraceRecord `json:"trace"`
}

func runGet(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/api/v1/runs/%s", strings.TrimRight(serverURL, "/"), url.PathEscape(args[0]))

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	switch resp.StatusCode {
	case http.StatusOK:
		var snap orchestrator.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if getJSON {
			return writeJSON(out, snap)
		}
		renderSnapshot(out, snap)
		return nil
	case http.StatusAccepted:
		var running runningResponse
		if err := json.NewDecoder(resp.Body).Decode(&running); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if getJSON {
			return writeJSON(out, running)
		}
		fmt.Fprintf(out, "Run %s is %s (%d transitions so far)\n", running.RunID, running.Status, len(running.Trace))
		return nil
	default:
		return statusError(resp)
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/health", strings.TrimRight(serverURL, "/"))

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", healthResp.Status)
	return nil
}

func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
