// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/metrics"
	"github.com/ManuGH/tspipe/internal/pipeline/buffer"
	"github.com/ManuGH/tspipe/internal/pipeline/fsm"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/rs/zerolog"
)

// runner drives one stage on its own goroutine. It owns the stage state
// machine; the supervisor only reads it.
type runner struct {
	desc  stage.Descriptor
	env   *stage.Env
	stage stage.Stage
	input stage.Input
	proc  stage.Processor
	in    buffer.Source
	out   buffer.Sink
	joint bool

	machine  *fsm.Machine[StageState, stageEvent]
	counters metrics.StageCounters

	startAttempted bool
	stopOnce       sync.Once
	detached       atomic.Bool
	upstreamErr    error
	done           chan struct{}

	mu      sync.Mutex
	reason  Reason
	err     error
	stopErr error
}

func newRunner(b Bound, env *stage.Env, joint bool) (*runner, error) {
	r := &runner{
		desc:     b.Desc,
		env:      env,
		stage:    b.Stage,
		joint:    joint,
		machine:  newStageMachine(),
		counters: metrics.ForStage(b.Desc.String()),
		done:     make(chan struct{}),
	}
	switch b.Desc.Role {
	case stage.RoleInput:
		in, ok := b.Stage.(stage.Input)
		if !ok {
			return nil, &ConfigError{Stage: b.Desc, Err: stage.ErrRoleMismatch}
		}
		r.input = in
	case stage.RoleProcessor, stage.RoleOutput:
		p, ok := b.Stage.(stage.Processor)
		if !ok {
			return nil, &ConfigError{Stage: b.Desc, Err: stage.ErrRoleMismatch}
		}
		r.proc = p
	default:
		return nil, &ConfigError{Stage: b.Desc, Err: fmt.Errorf("%w: unknown role %q", stage.ErrRoleMismatch, b.Desc.Role)}
	}
	label := b.Desc.String()
	r.machine.OnTransition(func(from, to StageState, _ stageEvent) {
		metrics.IncStageTransition(label, string(to))
		env.Log.Debug().
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Msg("stage state changed")
	})
	return r, nil
}

func (r *runner) fire(ev stageEvent) {
	if _, err := r.machine.Fire(context.Background(), ev); err != nil {
		r.env.Log.Error().Err(err).Msg("stage state machine rejected event")
	}
}

func (r *runner) configure(opts stage.Options) error {
	if err := r.stage.Configure(r.env, opts); err != nil {
		cerr := &ConfigError{Stage: r.desc, Err: err}
		r.setResult(ReasonConfig, cerr)
		r.fire(evFail)
		return cerr
	}
	r.fire(evConfigure)
	return nil
}

func (r *runner) start(ctx context.Context) error {
	r.startAttempted = true
	if err := r.stage.Start(ctx, r.env); err != nil {
		serr := &StartError{Stage: r.desc, Err: err}
		r.setResult(ReasonStart, serr)
		r.fire(evFail)
		return serr
	}
	r.fire(evStart)
	return nil
}

// stop releases the stage at most once. Stages whose Start was never
// attempted are only marked stopped.
func (r *runner) stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if !r.startAttempted {
			if r.machine.Can(evAbort) {
				r.fire(evAbort)
			}
			return
		}
		running := r.machine.State() == StageStarted
		if running {
			r.fire(evStop)
		}
		r.mu.Lock()
		aborted := r.err != nil || r.reason == ReasonUpstreamError || r.reason == ReasonCancelled
		r.mu.Unlock()
		if aborted {
			r.env.Abort()
		}
		var stopErr error
		if err := r.stage.Stop(ctx, r.env); err != nil {
			stopErr = &StopError{Stage: r.desc, Err: err}
			r.env.Log.Error().Err(err).Msg("stage stop failed")
		}
		r.mu.Lock()
		r.stopErr = stopErr
		failed := r.err != nil || stopErr != nil
		r.mu.Unlock()
		if running {
			if failed {
				r.fire(evFail)
			} else {
				r.fire(evStopped)
			}
		}
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

// run is the packet loop. ctx is the runner context; force is cancelled
// only when the supervisor gives up on a graceful drain.
func (r *runner) run(ctx, force context.Context) {
	defer close(r.done)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.out != nil {
		// A consumer that went away also unblocks our own stage call.
		go func() {
			select {
			case <-r.out.Gone():
				cancel()
			case <-callCtx.Done():
			}
		}()
	}

	var (
		reason Reason
		err    error
	)
	if r.input != nil {
		reason, err = r.produceLoop(ctx, force, callCtx)
	} else {
		reason, err = r.processLoop(ctx, force, callCtx)
	}
	r.finish(reason, err)
	_ = r.stop(context.WithoutCancel(ctx))
}

func (r *runner) produceLoop(ctx, force, callCtx context.Context) (Reason, error) {
	stats := r.env.Stats
	for {
		if reason := r.interruption(ctx, force); reason != ReasonNone {
			return reason, nil
		}
		var u ts.Unit
		status, err := r.input.Produce(callCtx, r.env, &u)
		if err == nil && status == stage.StatusError {
			err = ErrStageFailed
		}
		if err != nil {
			if reason := r.cancelledBy(ctx, force, err); reason != ReasonNone {
				return reason, nil
			}
			r.counters.Error.Inc()
			return ReasonError, &RuntimeError{Stage: r.desc, Unit: stats.In.Load(), Err: err}
		}
		switch status {
		case stage.StatusOK:
			stats.In.Add(1)
			if reason := r.forward(ctx, force, callCtx, u); reason != ReasonNone {
				return reason, nil
			}
		case stage.StatusDrop:
			stats.Dropped.Add(1)
			r.counters.Drop.Inc()
		case stage.StatusEnd:
			r.counters.End.Inc()
			return ReasonEnd, nil
		default:
			r.counters.Error.Inc()
			return ReasonError, &RuntimeError{Stage: r.desc, Unit: stats.In.Load(), Err: fmt.Errorf("unknown status %s", status)}
		}
	}
}

func (r *runner) processLoop(ctx, force, callCtx context.Context) (Reason, error) {
	stats := r.env.Stats
	for {
		if reason := r.interruption(ctx, force); reason != ReasonNone {
			return reason, nil
		}
		u, err := r.in.Pop(callCtx)
		if err != nil {
			var up *buffer.UpstreamError
			switch {
			case errors.Is(err, buffer.ErrEndOfStream):
				return ReasonUpstreamEnd, nil
			case errors.As(err, &up):
				r.upstreamErr = up.Err
				return ReasonUpstreamError, nil
			}
			if reason := r.interruption(ctx, force); reason != ReasonNone {
				return reason, nil
			}
			r.env.Log.Warn().Err(err).Msg("unexpected pop failure")
			return ReasonCancelled, nil
		}
		idx := stats.In.Add(1) - 1

		if r.detached.Load() {
			if reason := r.forward(ctx, force, callCtx, u); reason != ReasonNone {
				return reason, nil
			}
			continue
		}

		status, err := r.proc.Process(callCtx, r.env, &u)
		if err == nil && status == stage.StatusError {
			err = ErrStageFailed
		}
		if err != nil {
			if reason := r.cancelledBy(ctx, force, err); reason != ReasonNone {
				return reason, nil
			}
			r.counters.Error.Inc()
			return ReasonError, &RuntimeError{Stage: r.desc, Unit: idx, Err: err}
		}

		switch status {
		case stage.StatusOK:
			if r.out == nil {
				stats.Out.Add(1)
				r.counters.Continue.Inc()
				continue
			}
			if reason := r.forward(ctx, force, callCtx, u); reason != ReasonNone {
				return reason, nil
			}
		case stage.StatusDrop:
			stats.Dropped.Add(1)
			r.counters.Drop.Inc()
		case stage.StatusEnd:
			// The unit carrying End is consumed, not forwarded.
			stats.Dropped.Add(1)
			r.counters.End.Inc()
			if r.out != nil && !r.joint {
				r.detached.Store(true)
				r.env.Log.Info().Uint64(log.FieldPackets, idx).Msg("stage ended, forwarding remaining units unchanged")
				continue
			}
			return ReasonEnd, nil
		default:
			r.counters.Error.Inc()
			return ReasonError, &RuntimeError{Stage: r.desc, Unit: idx, Err: fmt.Errorf("unknown status %s", status)}
		}
	}
}

// forward pushes u downstream. It returns ReasonNone on success.
func (r *runner) forward(ctx, force, callCtx context.Context, u ts.Unit) Reason {
	if err := r.out.Push(callCtx, u); err != nil {
		if reason := r.interruption(ctx, force); reason != ReasonNone {
			return reason
		}
		r.env.Log.Warn().Err(err).Msg("unexpected push failure")
		return ReasonCancelled
	}
	r.env.Stats.Out.Add(1)
	r.counters.Continue.Inc()
	return ReasonNone
}

// interruption reports why the runner must stop without a stage verdict.
func (r *runner) interruption(ctx, force context.Context) Reason {
	if r.out != nil {
		select {
		case <-r.out.Gone():
			return ReasonDownstreamGone
		default:
		}
	}
	if force.Err() != nil {
		return ReasonCancelled
	}
	if ctx.Err() != nil {
		return ReasonInterrupted
	}
	return ReasonNone
}

// cancelledBy returns the interruption behind err when err is a context
// cancellation. Any other stage error is a verdict and is never suppressed.
func (r *runner) cancelledBy(ctx, force context.Context, err error) Reason {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return ReasonNone
	}
	return r.interruption(ctx, force)
}

// finish propagates the runner's end to both neighbours: the downstream
// producer latch closes (tagged on failure) and the upstream consumer
// latch is cancelled.
func (r *runner) finish(reason Reason, err error) {
	r.setResult(reason, err)

	var tag error
	switch reason {
	case ReasonError:
		tag = err
	case ReasonUpstreamError:
		tag = r.upstreamErr
	case ReasonCancelled:
		tag = context.Canceled
	}
	if r.out != nil {
		r.out.Close(tag)
	}
	if r.in != nil {
		r.in.Cancel()
	}

	level := zerolog.DebugLevel
	switch reason {
	case ReasonError:
		level = zerolog.ErrorLevel
	case ReasonEnd, ReasonInterrupted, ReasonCancelled:
		level = zerolog.InfoLevel
	}
	r.env.Log.WithLevel(level).
		Err(err).
		Str(log.FieldReason, string(reason)).
		Uint64(log.FieldPackets, r.env.Stats.In.Load()).
		Msg("stage runner finished")
}

func (r *runner) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *runner) setResult(reason Reason, err error) {
	r.mu.Lock()
	r.reason, r.err = reason, err
	r.mu.Unlock()
}

func (r *runner) result() (Reason, error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.err, r.stopErr
}
