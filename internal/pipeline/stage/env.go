// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stage

import (
	"sync/atomic"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/rs/zerolog"
)

// Env is passed explicitly to every lifecycle call of a stage.
type Env struct {
	Desc  Descriptor
	RunID string
	Log   zerolog.Logger
	Stats *Stats

	aborted atomic.Bool
}

// Abort marks the run as failed before the stage is stopped.
func (e *Env) Abort() { e.aborted.Store(true) }

// Aborted reports whether Stop is releasing the stage after a failure.
// Sinks discard partial output instead of committing it.
func (e *Env) Aborted() bool { return e.aborted.Load() }

// NewEnv builds the environment of one stage with a child logger tagged
// with its name, index and role.
func NewEnv(base zerolog.Logger, runID string, d Descriptor) *Env {
	l := base.With().
		Str(log.FieldStage, d.Name).
		Int(log.FieldStageIndex, d.Index).
		Str(log.FieldRole, string(d.Role)).
		Logger()
	return &Env{Desc: d, RunID: runID, Log: l, Stats: &Stats{}}
}

// Stats are the unit counters of a stage. The runner owns the writes.
type Stats struct {
	In      atomic.Uint64 // units received (produced, for inputs)
	Out     atomic.Uint64 // units forwarded or delivered
	Dropped atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	In      uint64 `json:"in"`
	Out     uint64 `json:"out"`
	Dropped uint64 `json:"dropped"`
}

func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{In: s.In.Load(), Out: s.Out.Load(), Dropped: s.Dropped.Load()}
}
