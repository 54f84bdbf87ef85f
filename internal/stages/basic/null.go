// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package basic holds the self-contained stages: a null packet generator,
// packet counting, PID filtering, a stream limiter and a discarding sink.
package basic

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// NullInput generates null packets, forever or up to a count.
type NullInput struct {
	count    uint64 // 0 means unlimited
	produced uint64
}

var nullOptions = []stage.OptionSpec{stage.Value("count", "")}

func (n *NullInput) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(1, stage.OptionNames(nullOptions...)...); err != nil {
		return err
	}
	count, err := opts.Uint64("count", 0)
	if err != nil {
		return err
	}
	if arg := opts.Arg(0, ""); arg != "" && !opts.Has("count") {
		if count, err = strconv.ParseUint(arg, 0, 64); err != nil {
			return &stage.OptionError{Option: "count", Value: arg, Err: stage.ErrInvalidOption}
		}
	}
	n.count = count
	return nil
}

func (n *NullInput) Start(context.Context, *stage.Env) error {
	n.produced = 0
	return nil
}

func (n *NullInput) Produce(ctx context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	if err := ctx.Err(); err != nil {
		return stage.StatusError, fmt.Errorf("null input: %w", err)
	}
	if n.count > 0 && n.produced >= n.count {
		return stage.StatusEnd, nil
	}
	n.produced++
	u.Packet = ts.NullPacket
	u.Meta = ts.Metadata{}
	return stage.StatusOK, nil
}

func (n *NullInput) Stop(_ context.Context, env *stage.Env) error {
	env.Log.Debug().Uint64(log.FieldPackets, n.produced).Msg("null input stopped")
	return nil
}
