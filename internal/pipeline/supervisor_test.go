// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFIFOAndConservation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 5000
	in := newSliceInput(n)
	filter := &funcStage{fn: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx%3 == 0 {
			return stage.StatusDrop, nil
		}
		return stage.StatusOK, nil
	}}
	out := &recorder{}

	rep, err := New(chain(in, filter, out), testOptions(16), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Empty(t, rep.Errors)

	got := out.got()
	last := -1
	for _, u := range got {
		require.Greater(t, u.Meta.InputIndex, last, "units must keep producer order")
		require.NotZero(t, u.Meta.InputIndex%3)
		last = u.Meta.InputIndex
	}

	assert.Equal(t, uint64(n), rep.Accepted())
	assert.Equal(t, uint64(len(got)), rep.Delivered())
	assert.Equal(t, rep.Accepted(), rep.Delivered()+rep.Dropped())
	assert.Zero(t, rep.Discarded())

	for _, s := range []*lifecycle{&in.lifecycle, &filter.lifecycle, &out.lifecycle} {
		assert.Equal(t, int32(1), s.started.Load())
		assert.Equal(t, int32(1), s.stopped.Load())
	}
	for _, s := range rep.Stages {
		assert.Equal(t, StageStopped, s.State, s.Name)
	}
}

func TestGracefulDrainDeliversPending(t *testing.T) {
	const k = 50
	in := newSliceInput(k)
	out := &recorder{hook: func(context.Context, int, *ts.Unit) (stage.Status, error) {
		time.Sleep(time.Millisecond)
		return stage.StatusOK, nil
	}}

	rep, err := New(chain(in, out), testOptions(k), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.got(), k)
	assert.Equal(t, ReasonEnd, rep.Stages[0].Reason)
	assert.Equal(t, ReasonUpstreamEnd, rep.Stages[1].Reason)
}

func TestJointTerminationStopsInfiniteInput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	in := &endlessInput{}
	until := &funcStage{fn: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 100 {
			return stage.StatusEnd, nil
		}
		return stage.StatusOK, nil
	}}
	out := &recorder{}

	opts := testOptions(8)
	opts.DrainTimeout = 5 * time.Second
	rep, err := New(chain(in, until, out), opts, quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Len(t, out.got(), 100)

	assert.Equal(t, ReasonDownstreamGone, rep.Stages[0].Reason)
	assert.Equal(t, ReasonEnd, rep.Stages[1].Reason)
	assert.Equal(t, ReasonUpstreamEnd, rep.Stages[2].Reason)
	assert.Equal(t, int32(1), in.stopped.Load())
}

func TestOutputEndStopsChain(t *testing.T) {
	in := &endlessInput{}
	out := &recorder{hook: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 3 {
			return stage.StatusEnd, nil
		}
		return stage.StatusOK, nil
	}}

	rep, err := New(chain(in, &funcStage{}, out), testOptions(4), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.got(), 3)
	assert.Equal(t, ReasonEnd, rep.Stages[2].Reason)
	assert.Equal(t, ReasonDownstreamGone, rep.Stages[1].Reason)
}

func TestJointTerminationDisabledDetachesProcessor(t *testing.T) {
	in := newSliceInput(20)
	until := &funcStage{fn: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 5 {
			return stage.StatusEnd, nil
		}
		return stage.StatusOK, nil
	}}
	out := &recorder{}

	opts := testOptions(4)
	opts.JointTermination = false
	rep, err := New(chain(in, until, out), opts, quiet()).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, out.got(), 19, "only the unit carrying End is consumed")
	assert.True(t, rep.Stages[1].Detached)
	assert.Equal(t, 6, until.idx, "a detached stage is not called again")
	assert.Equal(t, ReasonUpstreamEnd, rep.Stages[1].Reason)
}

func TestStartAndStopStuffing(t *testing.T) {
	in := newSliceInput(2)
	out := &recorder{}

	opts := testOptions(1)
	opts.StartStuffing = 3
	opts.StopStuffing = 2
	rep, err := New(chain(in, out), opts, quiet()).Run(context.Background())
	require.NoError(t, err)

	null := ts.StuffingUnit()
	want := []ts.Unit{null, null, null, in.units[0], in.units[1], null, null}
	if diff := cmp.Diff(want, out.got()); diff != "" {
		t.Fatalf("output sequence mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(5), rep.Stuffing)
}

func TestConfigErrorAbortsBeforeStart(t *testing.T) {
	in := newSliceInput(3)
	out := &recorder{}
	out.configureErr = errors.New("bad option")

	rep, err := New(chain(in, out), testOptions(4), quiet()).Run(context.Background())
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "out", cerr.Stage.Name)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonConfig, rep.Reason)
	assert.Zero(t, in.started.Load())
	assert.Zero(t, out.started.Load())
	assert.Zero(t, in.stopped.Load())
	assert.Empty(t, out.got())
	assert.Equal(t, StageFailed, rep.Stages[1].State)
	assert.Equal(t, StageStopped, rep.Stages[0].State)
}

func TestInvalidEngineOptions(t *testing.T) {
	opts := testOptions(0)
	opts.DrainTimeout = 0
	_, err := New(chain(newSliceInput(1), &recorder{}), opts, quiet()).Run(context.Background())

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "inter-stage-buffer-size")
	assert.Contains(t, err.Error(), "drain-timeout")
}

func TestStartFailureStopsStartedStagesOnce(t *testing.T) {
	in := newSliceInput(3)
	proc := &funcStage{}
	proc.startErr = errors.New("device busy")
	out := &recorder{}

	sup := New(chain(in, proc, out), testOptions(4), quiet())
	rep, err := sup.Run(context.Background())

	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.Stage.Index)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonStart, rep.Reason)

	assert.Zero(t, in.started.Load(), "stages start from the output back")
	assert.Zero(t, in.stopped.Load())
	assert.Equal(t, int32(1), proc.stopped.Load())
	assert.Equal(t, int32(1), out.stopped.Load())

	_, err = sup.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
	assert.Equal(t, int32(1), proc.stopped.Load())
	assert.Equal(t, int32(1), out.stopped.Load())
}

func TestRuntimeErrorFailsPipeline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("boom")
	in := &endlessInput{}
	proc := &funcStage{fn: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 5 {
			return stage.StatusError, boom
		}
		return stage.StatusOK, nil
	}}
	out := &recorder{}

	rep, err := New(chain(in, proc, out), testOptions(4), quiet()).Run(context.Background())
	require.ErrorIs(t, err, boom)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, uint64(5), rerr.Unit)
	assert.Equal(t, "proc", rerr.Stage.Name)

	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonError, rep.Reason)
	assert.Len(t, out.got(), 5)
	assert.Equal(t, StageFailed, rep.Stages[1].State)
	assert.Equal(t, ReasonUpstreamError, rep.Stages[2].Reason)
	assert.Equal(t, StageStopped, rep.Stages[2].State)
	assert.Equal(t, ReasonDownstreamGone, rep.Stages[0].Reason)
	for _, s := range []*lifecycle{&in.lifecycle, &proc.lifecycle, &out.lifecycle} {
		assert.Equal(t, int32(1), s.stopped.Load())
	}
}

func TestErrorAfterDownstreamEndIsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	writeErr := errors.New("write failed")
	busy := make(chan struct{})
	proc := &funcStage{fn: func(ctx context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 1 {
			close(busy)
			<-ctx.Done()
			return stage.StatusError, writeErr
		}
		return stage.StatusOK, nil
	}}
	out := &recorder{hook: func(context.Context, int, *ts.Unit) (stage.Status, error) {
		<-busy
		return stage.StatusEnd, nil
	}}

	rep, err := New(chain(newSliceInput(10), proc, out), testOptions(4), quiet()).Run(context.Background())
	require.ErrorIs(t, err, writeErr)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, uint64(1), rerr.Unit)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonError, rep.Reason)
	assert.Equal(t, ReasonError, rep.Stages[1].Reason)
	assert.Contains(t, rep.Stages[1].Error, "write failed")
	assert.Equal(t, ReasonEnd, rep.Stages[2].Reason)
}

func TestStatusErrorWithoutCause(t *testing.T) {
	out := &recorder{hook: func(context.Context, int, *ts.Unit) (stage.Status, error) {
		return stage.StatusError, nil
	}}
	_, err := New(chain(newSliceInput(2), out), testOptions(2), quiet()).Run(context.Background())
	require.ErrorIs(t, err, ErrStageFailed)
}

func TestStopErrorFailsPipeline(t *testing.T) {
	out := &recorder{}
	out.stopErr = errors.New("flush failed")

	rep, err := New(chain(newSliceInput(2), out), testOptions(2), quiet()).Run(context.Background())
	var serr *StopError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StageFailed, rep.Stages[1].State)
}

func TestBackpressureBoundsInFlightUnits(t *testing.T) {
	var produced, delivered atomic.Int64
	var maxGap atomic.Int64

	in := &endlessInput{}
	in.onProduce = func(uint64) {
		gap := produced.Add(1) - delivered.Load()
		for {
			cur := maxGap.Load()
			if gap <= cur || maxGap.CompareAndSwap(cur, gap) {
				break
			}
		}
	}
	out := &recorder{hook: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 30 {
			return stage.StatusEnd, nil
		}
		time.Sleep(2 * time.Millisecond)
		delivered.Add(1)
		return stage.StatusOK, nil
	}}

	rep, err := New(chain(in, out), testOptions(1), quiet()).Run(context.Background())
	require.NoError(t, err)

	// One unit in the output's hands, one in the buffer, one being produced.
	assert.LessOrEqual(t, maxGap.Load(), int64(3))
	require.Len(t, rep.Buffers, 1)
	assert.Equal(t, 1, rep.Buffers[0].Peak)
}

func TestInterruptDrainsGracefully(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := &endlessInput{}
	out := &recorder{hook: func(_ context.Context, idx int, _ *ts.Unit) (stage.Status, error) {
		if idx == 100 {
			cancel()
		}
		return stage.StatusOK, nil
	}}

	rep, err := New(chain(in, &funcStage{}, out), testOptions(32), quiet()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Equal(t, ReasonInterrupted, rep.Reason)
	assert.Equal(t, ReasonInterrupted, rep.Stages[0].Reason)
	assert.Equal(t, rep.Accepted(), rep.Delivered(), "accepted units are delivered after an interrupt")
	assert.GreaterOrEqual(t, rep.Delivered(), uint64(101))
}

func TestDrainTimeoutNamesStuckStage(t *testing.T) {
	release := make(chan struct{})
	in := newSliceInput(1)
	out := &recorder{hook: func(context.Context, int, *ts.Unit) (stage.Status, error) {
		<-release // ignores cancellation
		return stage.StatusOK, nil
	}}

	opts := testOptions(4)
	opts.DrainTimeout = 50 * time.Millisecond
	sup := New(chain(in, out), opts, quiet())
	sup.grace = 20 * time.Millisecond

	rep, err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrDrainTimeout)

	var derr *DrainTimeoutError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Stuck, 1)
	assert.Equal(t, "out", derr.Stuck[0].Name)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonDrainTimeout, rep.Reason)

	close(release)
	require.Eventually(t, func() bool { return out.stopped.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonCancelled, sup.Snapshot().Stages[1].Reason)
}

func TestSnapshotBeforeRun(t *testing.T) {
	sup := New(chain(newSliceInput(1), &recorder{}), testOptions(1), quiet(), WithRunID("run-1"))
	rep := sup.Snapshot()
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, StateBuilding, rep.State)
	require.Len(t, rep.Stages, 2)
	assert.Equal(t, StageCreated, rep.Stages[0].State)
}
