// Package metrics exposes Prometheus instrumentation for the run engine.
// Collectors register on the default registry and are served by the
// HTTP server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiralsafe",
		Subsystem: "runs",
		Name:      "started_total",
		Help:      "Runs started, by pipeline.",
	}, []string{"pipeline"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiralsafe",
		Subsystem: "runs",
		Name:      "completed_total",
		Help:      "Runs that reached the terminal marker, by pipeline.",
	}, []string{"pipeline"})

	RunsAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiralsafe",
		Subsystem: "runs",
		Name:      "abandoned_total",
		Help:      "Runs abandoned before completion, by pipeline.",
	}, []string{"pipeline"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spiralsafe",
		Subsystem: "runs",
		Name:      "active",
		Help:      "Runs currently holding a live gate in this process.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiralsafe",
		Subsystem: "gate",
		Name:      "transitions_total",
		Help:      "Gate transitions recorded, by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	AdvanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spiralsafe",
		Subsystem: "gate",
		Name:      "advance_duration_seconds",
		Help:      "Wall time spent inside Advance, including check evaluation.",
		Buckets:   prometheus.DefBuckets,
	})
)
