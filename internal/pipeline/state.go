// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"github.com/ManuGH/tspipe/internal/pipeline/fsm"
)

// StageState is the runtime state of one stage, owned by its runner.
type StageState string

const (
	StageCreated    StageState = "created"
	StageConfigured StageState = "configured"
	StageStarted    StageState = "started"
	StageStopping   StageState = "stopping"
	StageStopped    StageState = "stopped"
	StageFailed     StageState = "failed"
)

type stageEvent string

const (
	evConfigure stageEvent = "configure"
	evStart     stageEvent = "start"
	evStop      stageEvent = "stop"
	evStopped   stageEvent = "stopped"
	evAbort     stageEvent = "abort"
	evFail      stageEvent = "fail"
)

func newStageMachine() *fsm.Machine[StageState, stageEvent] {
	return fsm.MustNew(StageCreated, []fsm.Transition[StageState, stageEvent]{
		{From: StageCreated, Event: evConfigure, To: StageConfigured},
		{From: StageCreated, Event: evFail, To: StageFailed},
		{From: StageConfigured, Event: evStart, To: StageStarted},
		{From: StageConfigured, Event: evFail, To: StageFailed},
		// Configured but never started because the pipeline aborted.
		{From: StageConfigured, Event: evAbort, To: StageStopped},
		{From: StageStarted, Event: evStop, To: StageStopping},
		{From: StageStopping, Event: evStopped, To: StageStopped},
		{From: StageStopping, Event: evFail, To: StageFailed},
	})
}

// State is the lifecycle state of the whole pipeline.
type State string

const (
	StateBuilding State = "building"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

type pipelineEvent string

const (
	evRun     pipelineEvent = "run"
	evDrain   pipelineEvent = "drain"
	evFinish  pipelineEvent = "finish"
	evAbandon pipelineEvent = "abandon"
)

func newPipelineMachine() *fsm.Machine[State, pipelineEvent] {
	return fsm.MustNew(StateBuilding, []fsm.Transition[State, pipelineEvent]{
		{From: StateBuilding, Event: evRun, To: StateRunning},
		{From: StateBuilding, Event: evAbandon, To: StateFailed},
		{From: StateRunning, Event: evDrain, To: StateDraining},
		{From: StateDraining, Event: evFinish, To: StateStopped},
		{From: StateDraining, Event: evAbandon, To: StateFailed},
	})
}

// Reason explains why a stage runner, or the pipeline, stopped.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonEnd            Reason = "end"
	ReasonError          Reason = "error"
	ReasonUpstreamEnd    Reason = "upstream-end"
	ReasonUpstreamError  Reason = "upstream-error"
	ReasonDownstreamGone Reason = "downstream-gone"
	ReasonInterrupted    Reason = "interrupted"
	ReasonCancelled      Reason = "cancelled"
	ReasonConfig         Reason = "config"
	ReasonStart          Reason = "start"
	ReasonDrainTimeout   Reason = "drain-timeout"
)
