package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeptm",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by final state.",
	}, []string{"outcome"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeptm",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Events emitted by kind.",
	}, []string{"kind"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deeptm",
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Isolated stage failures by stage.",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deeptm",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of individual stage calls.",
		Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})
)
