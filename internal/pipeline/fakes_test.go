// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/rs/zerolog"
)

type lifecycle struct {
	configureErr error
	startErr     error
	stopErr      error

	configured atomic.Int32
	started    atomic.Int32
	stopped    atomic.Int32
}

func (l *lifecycle) Configure(*stage.Env, stage.Options) error {
	l.configured.Add(1)
	return l.configureErr
}

func (l *lifecycle) Start(context.Context, *stage.Env) error {
	l.started.Add(1)
	return l.startErr
}

func (l *lifecycle) Stop(context.Context, *stage.Env) error {
	l.stopped.Add(1)
	return l.stopErr
}

func testUnit(idx int) ts.Unit {
	u := ts.Unit{Packet: ts.NullPacket}
	u.Packet.SetPID(0x100)
	u.Meta.InputIndex = idx
	return u
}

// sliceInput produces its units then ends the stream.
type sliceInput struct {
	lifecycle
	units []ts.Unit
	next  int
}

func newSliceInput(n int) *sliceInput {
	in := &sliceInput{}
	for i := 0; i < n; i++ {
		in.units = append(in.units, testUnit(i))
	}
	return in
}

func (s *sliceInput) Produce(_ context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	if s.next >= len(s.units) {
		return stage.StatusEnd, nil
	}
	*u = s.units[s.next]
	s.next++
	return stage.StatusOK, nil
}

// endlessInput produces units until its context is cancelled.
type endlessInput struct {
	lifecycle
	produced  atomic.Uint64
	onProduce func(n uint64)
}

func (e *endlessInput) Produce(ctx context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	if err := ctx.Err(); err != nil {
		return stage.StatusError, err
	}
	n := e.produced.Add(1)
	if e.onProduce != nil {
		e.onProduce(n)
	}
	*u = testUnit(int(n - 1))
	return stage.StatusOK, nil
}

// funcStage is a processor or output driven by fn. idx counts calls.
type funcStage struct {
	lifecycle
	fn  func(ctx context.Context, idx int, u *ts.Unit) (stage.Status, error)
	idx int
}

func (f *funcStage) Process(ctx context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	idx := f.idx
	f.idx++
	if f.fn == nil {
		return stage.StatusOK, nil
	}
	return f.fn(ctx, idx, u)
}

// recorder is an output that keeps every unit it accepts.
type recorder struct {
	lifecycle
	mu    sync.Mutex
	units []ts.Unit
	hook  func(ctx context.Context, idx int, u *ts.Unit) (stage.Status, error)
}

func (r *recorder) Process(ctx context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	r.mu.Lock()
	idx := len(r.units)
	r.mu.Unlock()
	if r.hook != nil {
		st, err := r.hook(ctx, idx, u)
		if st != stage.StatusOK || err != nil {
			return st, err
		}
	}
	r.mu.Lock()
	r.units = append(r.units, *u)
	r.mu.Unlock()
	return stage.StatusOK, nil
}

func (r *recorder) got() []ts.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ts.Unit(nil), r.units...)
}

// chain binds stages by position: first input, last output.
func chain(stages ...stage.Stage) []Bound {
	out := make([]Bound, len(stages))
	for i, s := range stages {
		d := stage.Descriptor{Name: "proc", Role: stage.RoleProcessor, Index: i}
		switch i {
		case 0:
			d.Name, d.Role = "in", stage.RoleInput
		case len(stages) - 1:
			d.Name, d.Role = "out", stage.RoleOutput
		}
		out[i] = Bound{Desc: d, Stage: s, Options: stage.NewOptions()}
	}
	return out
}

func quiet() Option { return WithLogger(zerolog.Nop()) }

func testOptions(bufferSize int) Options {
	o := DefaultOptions()
	o.BufferSize = bufferSize
	return o
}
