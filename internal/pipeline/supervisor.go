// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pipeline runs a chain of stages (one input, any number of
// processors, one output) connected by bounded buffers, and reports how
// the chain ended.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/metrics"
	"github.com/ManuGH/tspipe/internal/pipeline/buffer"
	"github.com/ManuGH/tspipe/internal/pipeline/fsm"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/pipeline/stuffing"
	"github.com/ManuGH/tspipe/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ManuGH/tspipe/internal/pipeline"

// Supervisor owns the runners of one chain, wires the buffers between them
// and drives the pipeline state machine.
type Supervisor struct {
	opts   Options
	bound  []Bound
	runID  string
	log    zerolog.Logger
	tracer trace.Tracer
	grace  time.Duration

	machine *fsm.Machine[State, pipelineEvent]
	ran     atomic.Bool

	mu       sync.RWMutex
	runners  []*runner
	buffers  []*buffer.Buffer
	injector *stuffing.Injector
	reason   Reason
	errs     []error
	started  time.Time
	finished time.Time
}

// Option customises a Supervisor.
type Option func(*Supervisor)

func WithLogger(l zerolog.Logger) Option { return func(s *Supervisor) { s.log = l } }

func WithRunID(id string) Option { return func(s *Supervisor) { s.runID = id } }

func WithTracer(t trace.Tracer) Option { return func(s *Supervisor) { s.tracer = t } }

// New prepares a supervisor for bound. Nothing is configured or started
// before Run.
func New(bound []Bound, opts Options, options ...Option) *Supervisor {
	s := &Supervisor{
		opts:    opts,
		bound:   bound,
		runID:   uuid.NewString(),
		log:     log.WithComponent("pipeline"),
		tracer:  telemetry.Tracer(tracerName),
		machine: newPipelineMachine(),
		grace:   forceGrace,
	}
	for _, o := range options {
		o(s)
	}
	s.log = s.log.With().Str(log.FieldRunID, s.runID).Logger()
	s.machine.OnTransition(func(from, to State, _ pipelineEvent) {
		s.log.Info().
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Msg("pipeline state changed")
	})
	return s
}

func (s *Supervisor) RunID() string { return s.runID }

func (s *Supervisor) State() State { return s.machine.State() }

// Run executes the pipeline to completion. The returned error joins every
// stage error; it is nil exactly when the report state is StateStopped.
//
// Cancelling ctx interrupts the input stage only. The rest of the chain
// drains what was already accepted.
func (s *Supervisor) Run(ctx context.Context) (Report, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return s.Snapshot(), ErrAlreadyRun
	}
	ctx = log.ContextWithRunID(ctx, s.runID)
	ctx, span := s.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(telemetry.RunAttributes(s.runID, len(s.bound))...))
	defer span.End()

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.build(); err != nil {
		return s.abort(span, ReasonConfig, err)
	}
	if err := s.configure(); err != nil {
		return s.abort(span, ReasonConfig, err)
	}
	if err := s.startAll(ctx); err != nil {
		return s.abort(span, ReasonStart, err)
	}

	s.fire(evRun)
	s.log.Info().
		Int("stages", len(s.runners)).
		Int("buffer_size", s.opts.BufferSize).
		Bool("joint_termination", s.opts.JointTermination).
		Msg("pipeline running")

	s.supervise(ctx)
	return s.complete(span)
}

func (s *Supervisor) build() error {
	if err := s.opts.Validate(); err != nil {
		return err
	}
	specs := make([]Spec, len(s.bound))
	for i, b := range s.bound {
		if b.Desc.Index != i {
			return &ConfigError{Stage: b.Desc, Err: fmt.Errorf("%w: stage at position %d has index %d", ErrInvalidChain, i, b.Desc.Index)}
		}
		specs[i] = Spec{Name: b.Desc.Name, Role: b.Desc.Role}
	}
	if err := CheckChain(specs); err != nil {
		return err
	}

	runners := make([]*runner, len(s.bound))
	for i, b := range s.bound {
		r, err := newRunner(b, stage.NewEnv(s.log, s.runID, b.Desc), s.opts.JointTermination)
		if err != nil {
			return err
		}
		runners[i] = r
	}
	buffers := make([]*buffer.Buffer, len(runners)-1)
	for i := range buffers {
		name := runners[i].desc.String() + "->" + runners[i+1].desc.String()
		buffers[i] = buffer.New(name, s.opts.BufferSize)
		runners[i].out = buffers[i]
		runners[i+1].in = buffers[i]
	}
	var inj *stuffing.Injector
	if src := stuffing.Wrap(buffers[0], s.opts.StartStuffing, s.opts.StopStuffing); src != buffer.Source(buffers[0]) {
		inj = src.(*stuffing.Injector)
		runners[1].in = inj
	}

	s.mu.Lock()
	s.runners, s.buffers, s.injector = runners, buffers, inj
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) configure() error {
	var errs []error
	for i, r := range s.runners {
		if err := r.configure(s.bound[i].Options); err != nil {
			r.env.Log.Error().Err(err).Msg("stage configuration rejected")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startAll starts stages from the output back to the input, so every
// consumer is ready before its producer.
func (s *Supervisor) startAll(ctx context.Context) error {
	for i := len(s.runners) - 1; i >= 0; i-- {
		r := s.runners[i]
		sctx, span := s.tracer.Start(ctx, "stage.start",
			trace.WithAttributes(telemetry.StageAttributes(r.desc.Name, string(r.desc.Role), r.desc.Index)...))
		t0 := time.Now()
		err := r.start(sctx)
		metrics.ObserveStageStart(r.desc.String(), time.Since(t0))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			r.env.Log.Error().Err(err).Msg("stage start failed")
			return err
		}
		span.End()
	}
	return nil
}

// abort ends a pipeline that never reached Running. Every stage whose
// Start was attempted is stopped exactly once.
func (s *Supervisor) abort(span trace.Span, reason Reason, cause error) (Report, error) {
	errs := []error{cause}
	stopCtx := context.Background()
	for _, r := range s.runners {
		r.env.Abort()
		if err := r.stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.reason = reason
	s.errs = errs
	s.finished = time.Now()
	s.mu.Unlock()

	s.fire(evAbandon)
	err := errors.Join(errs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(reason))
	span.SetAttributes(telemetry.OutcomeAttributes(string(StateFailed), string(reason))...)
	metrics.IncPipelineRun(string(StateFailed), string(reason))
	s.log.Error().Err(err).Str(log.FieldReason, string(reason)).Msg("pipeline aborted before running")
	return s.Snapshot(), err
}

// supervise launches the runners and waits for all of them, bounded by
// the drain timeout once the first terminal signal arrived.
func (s *Supervisor) supervise(ctx context.Context) {
	force, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()
	inputCtx, inputCancel := context.WithCancel(force)
	defer inputCancel()
	stopInterrupt := context.AfterFunc(ctx, inputCancel)
	defer stopInterrupt()

	exits := make(chan *runner, len(s.runners))
	for i, r := range s.runners {
		rctx := force
		if i == 0 {
			rctx = inputCtx
		}
		go func() {
			r.run(rctx, force)
			exits <- r
		}()
	}

	var (
		remaining   = len(s.runners)
		interrupted = ctx.Done()
		drainTimer  *time.Timer
		timeoutC    <-chan time.Time
		graceC      <-chan time.Time
		drainStart  time.Time
		drainSpan   trace.Span
		timeoutErr  *DrainTimeoutError
	)
	beginDrain := func(reason Reason) {
		if s.machine.State() != StateRunning {
			return
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.fire(evDrain)
		s.log.Info().Str(log.FieldReason, string(reason)).Dur("timeout", s.opts.DrainTimeout).Msg("pipeline draining")
		drainStart = time.Now()
		drainTimer = time.NewTimer(s.opts.DrainTimeout)
		timeoutC = drainTimer.C
		_, drainSpan = s.tracer.Start(ctx, "pipeline.drain")
	}

wait:
	for remaining > 0 {
		select {
		case r := <-exits:
			remaining--
			reason, _, _ := r.result()
			beginDrain(reason)
		case <-interrupted:
			interrupted = nil
			beginDrain(ReasonInterrupted)
		case <-timeoutC:
			timeoutC = nil
			timeoutErr = &DrainTimeoutError{Timeout: s.opts.DrainTimeout, Stuck: s.stuck()}
			s.log.Error().Err(timeoutErr).Msg("drain timeout, cancelling remaining stages")
			forceCancel()
			graceC = time.After(s.grace)
		case <-graceC:
			s.log.Error().Int("stages", remaining).Msg("stages ignored cancellation, giving up")
			break wait
		}
	}

	if drainTimer != nil {
		drainTimer.Stop()
		metrics.ObserveDrain(time.Since(drainStart), timeoutErr != nil)
		drainSpan.SetAttributes(telemetry.DrainAttributes(s.opts.DrainTimeout.Milliseconds(), timeoutErr != nil)...)
		drainSpan.End()
	}
	if timeoutErr != nil {
		s.mu.Lock()
		s.errs = append(s.errs, timeoutErr)
		s.reason = ReasonDrainTimeout
		s.mu.Unlock()
	}
}

func (s *Supervisor) stuck() []stage.Descriptor {
	var out []stage.Descriptor
	for _, r := range s.runners {
		if !r.exited() {
			out = append(out, r.desc)
		}
	}
	return out
}

// complete aggregates the runner results. Any error decides the outcome,
// regardless of which terminal signal came first.
func (s *Supervisor) complete(span trace.Span) (Report, error) {
	var runtimeErrs []error
	for _, r := range s.runners {
		_, err, stopErr := r.result()
		if err != nil {
			runtimeErrs = append(runtimeErrs, err)
		}
		if stopErr != nil {
			runtimeErrs = append(runtimeErrs, stopErr)
		}
	}
	for _, b := range s.buffers {
		if st := b.Stats(); st.Discarded > 0 {
			metrics.AddBufferDiscarded(st.Name, "consumer_gone", int(st.Discarded))
		}
	}

	s.mu.Lock()
	s.errs = append(runtimeErrs, s.errs...)
	if len(runtimeErrs) > 0 && s.reason != ReasonDrainTimeout {
		s.reason = ReasonError
	}
	s.finished = time.Now()
	err := errors.Join(s.errs...)
	reason := s.reason
	s.mu.Unlock()

	state := StateStopped
	if err != nil {
		state = StateFailed
		s.fire(evAbandon)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
	} else {
		s.fire(evFinish)
	}
	span.SetAttributes(telemetry.OutcomeAttributes(string(state), string(reason))...)
	metrics.IncPipelineRun(string(state), string(reason))

	rep := s.Snapshot()
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	s.log.WithLevel(level).
		Err(err).
		Str(log.FieldReason, string(reason)).
		Uint64("accepted", rep.Accepted()).
		Uint64("delivered", rep.Delivered()).
		Uint64("dropped", rep.Dropped()).
		Dur("duration", rep.Duration()).
		Msg("pipeline finished")
	return rep, err
}

func (s *Supervisor) fire(ev pipelineEvent) {
	if _, err := s.machine.Fire(context.Background(), ev); err != nil {
		s.log.Error().Err(err).Msg("pipeline state machine rejected event")
	}
}

// Snapshot reports the current view of the pipeline. It is safe to call
// from any goroutine while Run is in progress.
func (s *Supervisor) Snapshot() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rep := Report{
		RunID:      s.runID,
		State:      s.machine.State(),
		Reason:     s.reason,
		Options:    s.opts,
		StartedAt:  s.started,
		FinishedAt: s.finished,
	}
	for _, e := range s.errs {
		rep.Errors = append(rep.Errors, e.Error())
	}
	if s.runners == nil {
		for _, b := range s.bound {
			rep.Stages = append(rep.Stages, StageReport{Descriptor: b.Desc, State: StageCreated})
		}
		return rep
	}
	for _, r := range s.runners {
		reason, err, stopErr := r.result()
		sr := StageReport{
			Descriptor: r.desc,
			State:      r.machine.State(),
			Reason:     reason,
			Detached:   r.detached.Load(),
			Snapshot:   r.env.Stats.Snapshot(),
		}
		if err = errors.Join(err, stopErr); err != nil {
			sr.Error = err.Error()
		}
		rep.Stages = append(rep.Stages, sr)
	}
	for _, b := range s.buffers {
		rep.Buffers = append(rep.Buffers, b.Stats())
	}
	if s.injector != nil {
		rep.Stuffing = s.injector.Emitted()
	}
	return rep
}
