package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpilot_stage_attempts_total",
		Help: "Stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	recordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpilot_records_ingested_total",
		Help: "Email records accepted into the pipeline.",
	})

	dueStagesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailpilot_due_stages",
		Help: "Claimable stage states observed on the last poll.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailpilot_stage_duration_seconds",
		Help:    "Wall time per stage execution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
