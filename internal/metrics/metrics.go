// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsTotal counts completed generation requests by category and
	// final status (succeeded, failed).
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genforge",
		Name:      "generations_total",
		Help:      "Completed generation requests by category and final status.",
	}, []string{"category", "status"})

	// AttemptsTotal counts individual candidate attempts by provider and
	// outcome (succeeded, failed, quota).
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genforge",
		Name:      "candidate_attempts_total",
		Help:      "Candidate attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// CreditsReserved totals credits debited by reservations.
	CreditsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genforge",
		Name:      "credits_reserved_total",
		Help:      "Credits debited by reservations, by task type.",
	}, []string{"task_type"})

	// GenerationDuration observes end-to-end generation latency.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genforge",
		Name:      "generation_duration_seconds",
		Help:      "End-to-end generation latency by category.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"category"})
)
