// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package basic

import (
	"context"
	"sort"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// Count tallies packets per PID and reports the totals when stopped.
type Count struct {
	perPID map[uint16]uint64
	total  uint64
	stuff  uint64
	top    int
}

var countOptions = []stage.OptionSpec{stage.Value("top", "")}

func (c *Count) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(0, stage.OptionNames(countOptions...)...); err != nil {
		return err
	}
	top, err := opts.IntRange("top", 10, 0, int(ts.PIDMax)+1)
	if err != nil {
		return err
	}
	c.top = top
	return nil
}

func (c *Count) Start(context.Context, *stage.Env) error {
	c.perPID = make(map[uint16]uint64)
	c.total, c.stuff = 0, 0
	return nil
}

func (c *Count) Process(_ context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	c.total++
	if u.Meta.Stuffing {
		c.stuff++
	}
	c.perPID[u.Packet.PID()]++
	return stage.StatusOK, nil
}

// Total returns the number of packets seen.
func (c *Count) Total() uint64 { return c.total }

// PID returns the number of packets seen on pid.
func (c *Count) PID(pid uint16) uint64 { return c.perPID[pid] }

func (c *Count) Stop(_ context.Context, env *stage.Env) error {
	pids := make([]uint16, 0, len(c.perPID))
	for pid := range c.perPID {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool {
		if c.perPID[pids[i]] != c.perPID[pids[j]] {
			return c.perPID[pids[i]] > c.perPID[pids[j]]
		}
		return pids[i] < pids[j]
	})
	if len(pids) > c.top {
		pids = pids[:c.top]
	}
	top := make(map[string]uint64, len(pids))
	for _, pid := range pids {
		top[ts.PIDString(pid)] = c.perPID[pid]
	}
	env.Log.Info().
		Uint64(log.FieldPackets, c.total).
		Uint64("stuffing", c.stuff).
		Int("pids", len(c.perPID)).
		Interface("top_pids", top).
		Msg("packet count")
	return nil
}
