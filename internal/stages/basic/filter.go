// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package basic

import (
	"context"
	"errors"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// Filter keeps the packets of the selected PIDs and drops the others.
// With --negate the selection is dropped instead.
type Filter struct {
	pids    [int(ts.PIDMax) + 1]bool
	negate  bool
	stuff   bool
	dropped uint64
}

var filterOptions = []stage.OptionSpec{
	stage.Value("pid", ""),
	stage.Flag("negate", "n"),
	stage.Flag("stuffing", "s"),
}

func (f *Filter) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(0, stage.OptionNames(filterOptions...)...); err != nil {
		return err
	}
	pids := opts.Strings("pid")
	if len(pids) == 0 {
		return &stage.OptionError{Option: "pid", Err: stage.ErrMissingOption}
	}
	f.pids = [int(ts.PIDMax) + 1]bool{}
	for _, p := range pids {
		pid, err := ts.ParsePID(p)
		if err != nil {
			return &stage.OptionError{Option: "pid", Value: p, Err: errors.Join(stage.ErrInvalidOption, err)}
		}
		f.pids[pid] = true
	}
	var err error
	if f.negate, err = opts.Bool("negate"); err != nil {
		return err
	}
	// --stuffing keeps engine-injected null packets regardless of the PID selection.
	if f.stuff, err = opts.Bool("stuffing"); err != nil {
		return err
	}
	return nil
}

func (f *Filter) Start(context.Context, *stage.Env) error {
	f.dropped = 0
	return nil
}

func (f *Filter) Process(_ context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	if f.stuff && u.Meta.Stuffing {
		return stage.StatusOK, nil
	}
	if f.pids[u.Packet.PID()] != f.negate {
		return stage.StatusOK, nil
	}
	f.dropped++
	return stage.StatusDrop, nil
}

func (f *Filter) Stop(_ context.Context, env *stage.Env) error {
	env.Log.Debug().Uint64(log.FieldPackets, f.dropped).Msg("filter dropped packets")
	return nil
}
