// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package basic

import (
	"context"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// Until passes packets until a packet count or a wall-clock duration is
// reached, then ends the stream.
type Until struct {
	packets  uint64
	duration time.Duration
	now      func() time.Time

	passed   uint64
	deadline time.Time
}

var untilOptions = []stage.OptionSpec{
	stage.Value("packets", ""),
	stage.Value("seconds", ""),
	stage.Value("duration", ""),
}

func (s *Until) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(0, stage.OptionNames(untilOptions...)...); err != nil {
		return err
	}
	var err error
	if s.packets, err = opts.Uint64("packets", 0); err != nil {
		return err
	}
	if s.duration, err = opts.Duration("duration", 0); err != nil {
		return err
	}
	secs, err := opts.Uint64("seconds", 0)
	if err != nil {
		return err
	}
	if secs > 0 {
		s.duration = time.Duration(secs) * time.Second
	}
	if s.packets == 0 && s.duration == 0 {
		return &stage.OptionError{Option: "packets", Err: stage.ErrMissingOption}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

func (s *Until) Start(context.Context, *stage.Env) error {
	s.passed = 0
	s.deadline = time.Time{}
	if s.duration > 0 {
		s.deadline = s.now().Add(s.duration)
	}
	return nil
}

func (s *Until) Process(context.Context, *stage.Env, *ts.Unit) (stage.Status, error) {
	if s.packets > 0 && s.passed >= s.packets {
		return stage.StatusEnd, nil
	}
	if !s.deadline.IsZero() && !s.now().Before(s.deadline) {
		return stage.StatusEnd, nil
	}
	s.passed++
	return stage.StatusOK, nil
}

func (s *Until) Stop(context.Context, *stage.Env) error { return nil }
