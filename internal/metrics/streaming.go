// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage outcomes, one per per-packet status.
const (
	OutcomeContinue = "continue"
	OutcomeDrop     = "drop"
	OutcomeEnd      = "end"
	OutcomeError    = "error"
)

var (
	StageUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_stage_units_total",
		Help: "Units handled by a stage, by per-packet outcome",
	}, []string{"stage", "outcome"})

	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_stage_transitions_total",
		Help: "Stage runtime state transitions, by target state",
	}, []string{"stage", "state"})

	StageStartDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tspipe_stage_start_duration_seconds",
		Help:    "Time spent in a stage's start operation",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"stage"})

	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_pipeline_runs_total",
		Help: "Completed pipeline runs by final state and reason",
	}, []string{"result", "reason"})

	PipelineDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tspipe_pipeline_drain_duration_seconds",
		Help:    "Time from the first terminal signal until every stage runner exited",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	PipelineDrainTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tspipe_pipeline_drain_timeouts_total",
		Help: "Pipeline drains that exceeded the drain timeout",
	})

	StuffingPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_stuffing_packets_total",
		Help: "Null packets injected by the engine, by position",
	}, []string{"position"}) // position=start|stop
)

// StageCounters is the per-stage set of outcome counters.
type StageCounters struct {
	Continue prometheus.Counter
	Drop     prometheus.Counter
	End      prometheus.Counter
	Error    prometheus.Counter
}

// ForStage resolves the outcome counters of one stage.
func ForStage(stage string) StageCounters {
	if stage == "" {
		stage = "unknown"
	}
	return StageCounters{
		Continue: StageUnitsTotal.WithLabelValues(stage, OutcomeContinue),
		Drop:     StageUnitsTotal.WithLabelValues(stage, OutcomeDrop),
		End:      StageUnitsTotal.WithLabelValues(stage, OutcomeEnd),
		Error:    StageUnitsTotal.WithLabelValues(stage, OutcomeError),
	}
}

// IncStageTransition records a stage entering a runtime state.
func IncStageTransition(stage, state string) {
	StageTransitionsTotal.WithLabelValues(stage, state).Inc()
}

// ObserveStageStart records the duration of a stage start.
func ObserveStageStart(stage string, d time.Duration) {
	StageStartDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncPipelineRun records the outcome of a pipeline run.
func IncPipelineRun(result, reason string) {
	if reason == "" {
		reason = "none"
	}
	PipelineRunsTotal.WithLabelValues(result, reason).Inc()
}

// ObserveDrain records a drain duration and whether it timed out.
func ObserveDrain(d time.Duration, timedOut bool) {
	PipelineDrainDuration.Observe(d.Seconds())
	if timedOut {
		PipelineDrainTimeoutsTotal.Inc()
	}
}

// AddStuffing records injected stuffing packets.
func AddStuffing(position string, n int) {
	if n > 0 {
		StuffingPacketsTotal.WithLabelValues(position).Add(float64(n))
	}
}
