// Package metrics holds the chat service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "threadstream"
	subsystem = "chat"
)

var (
	// GenerationsTotal counts finished generations by outcome
	// (ok, error, no_response).
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "generations_total",
			Help:      "Total finished generations",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "generation_duration_seconds",
			Help:      "Wall time from stream start to finalize",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	ActiveGenerations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_generations",
			Help:      "Generations currently running in this process",
		},
	)

	StreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_chunks_total",
			Help:      "Wire chunks produced by generations",
		},
	)

	// ResumeRequestsTotal counts resumption attempts by result
	// (live, replay, empty, disabled, error).
	ResumeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resume_requests_total",
			Help:      "Stream resumption requests",
		},
		[]string{"result"},
	)

	ProviderResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_resolutions_total",
			Help:      "Model resolutions by result",
		},
		[]string{"result"},
	)
)
