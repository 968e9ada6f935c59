package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs.
	// Labels: outcome (completed, refused, step_failed, ...)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mofsci",
			Name:      "runs_total",
			Help:      "Total number of finished runs by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks wall time from start to terminal outcome.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mofsci",
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// StepsTotal counts executed steps.
	// Labels: operation, status (success, flagged, failed)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mofsci",
			Name:      "steps_total",
			Help:      "Total number of executed plan steps",
		},
		[]string{"operation", "status"},
	)

	// StepDuration tracks per-operation step latency including retries.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mofsci",
			Name:      "step_duration_seconds",
			Help:      "Duration of plan steps in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// AdapterCallsTotal counts proposer, reviewer and reporter calls.
	// Labels: adapter (proposer, reviewer, reporter), result (ok, malformed, unavailable, cancelled)
	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mofsci",
			Name:      "adapter_calls_total",
			Help:      "Total number of adapter calls by result",
		},
		[]string{"adapter", "result"},
	)

	// Revisions records how many rejections each run went through.
	Revisions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mofsci",
			Name:      "revisions",
			Help:      "Number of plan revisions per run",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
	)
)
