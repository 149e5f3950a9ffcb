// Package metrics exposes Prometheus instrumentation for the control plane.
// All metrics are namespaced "agentrunner" and registered on the default
// registry; the API server serves them at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsClaimed counts successful QUEUED→RUNNING claims across all workers.
	RunsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentrunner",
		Name:      "runs_claimed_total",
		Help:      "Total number of runs claimed by workers.",
	})

	// RunsFinished counts runs reaching a terminal status, labelled by the
	// terminal status (COMPLETED, FAILED, STOPPED).
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrunner",
		Name:      "runs_completed_total",
		Help:      "Total number of runs that reached a terminal status.",
	}, []string{"status"})

	// EventsAppended counts events persisted to run timelines by type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrunner",
		Name:      "events_appended_total",
		Help:      "Total number of events appended to run timelines.",
	}, []string{"type"})

	// StreamConnections tracks currently open SSE connections.
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentrunner",
		Name:      "stream_connections",
		Help:      "Number of open event stream connections.",
	})

	// LLMRequestSeconds observes wall-clock duration of provider calls.
	LLMRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentrunner",
		Name:      "llm_request_seconds",
		Help:      "Duration of LLM generate calls in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	// StepSeconds observes workflow step duration by step type and outcome.
	StepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentrunner",
		Name:      "step_seconds",
		Help:      "Duration of workflow steps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"type", "status"})
)
