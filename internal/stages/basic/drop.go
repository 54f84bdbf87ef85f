// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package basic

import (
	"context"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// Drop is an output that accepts and discards every packet.
type Drop struct{}

func (Drop) Configure(_ *stage.Env, opts stage.Options) error { return opts.Check(0) }
func (Drop) Start(context.Context, *stage.Env) error          { return nil }
func (Drop) Stop(context.Context, *stage.Env) error           { return nil }

func (Drop) Process(context.Context, *stage.Env, *ts.Unit) (stage.Status, error) {
	return stage.StatusOK, nil
}

// Nop is a processor that forwards every packet unchanged.
type Nop struct{ Drop }

// Register adds the stages of this package to r.
func Register(r *stage.Registry) {
	r.MustRegister(
		stage.Registration{Name: "null", Role: stage.RoleInput, Usage: "null [count] [--count N]: generate null packets, forever when count is 0", Options: nullOptions, New: func() stage.Stage { return &NullInput{} }},
		stage.Registration{Name: "count", Role: stage.RoleProcessor, Usage: "count [--top N]: count packets per PID", Options: countOptions, New: func() stage.Stage { return &Count{} }},
		stage.Registration{Name: "filter", Role: stage.RoleProcessor, Usage: "filter --pid P [--pid P...] [-n|--negate] [-s|--stuffing]: keep selected PIDs", Options: filterOptions, New: func() stage.Stage { return &Filter{} }},
		stage.Registration{Name: "until", Role: stage.RoleProcessor, Usage: "until [--packets N] [--seconds S] [--duration D]: end the stream after a limit", Options: untilOptions, New: func() stage.Stage { return &Until{} }},
		stage.Registration{Name: "nop", Role: stage.RoleProcessor, Usage: "nop: forward packets unchanged", New: func() stage.Stage { return Nop{} }},
		stage.Registration{Name: "drop", Role: stage.RoleOutput, Usage: "drop: discard all packets", New: func() stage.Stage { return Drop{} }},
	)
}
