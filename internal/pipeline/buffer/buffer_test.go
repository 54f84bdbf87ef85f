// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func unit(pid uint16, idx int) ts.Unit {
	u := ts.Unit{Packet: ts.NullPacket}
	u.Packet.SetPID(pid)
	u.Meta.InputIndex = idx
	return u
}

func TestBufferFIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New("fifo", 8)
	ctx := context.Background()
	const n = 1000

	go func() {
		for i := 0; i < n; i++ {
			if err := b.Push(ctx, unit(0x100, i)); err != nil {
				return
			}
		}
		b.Close(nil)
	}()

	for i := 0; i < n; i++ {
		u, err := b.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, u.Meta.InputIndex)
	}
	_, err := b.Pop(ctx)
	require.ErrorIs(t, err, ErrEndOfStream)

	st := b.Stats()
	assert.Equal(t, uint64(n), st.Pushed)
	assert.Equal(t, uint64(n), st.Popped)
	assert.LessOrEqual(t, st.Peak, 8)
}

func TestBufferDrainsBeforeSentinel(t *testing.T) {
	b := New("drain", 16)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Push(ctx, unit(0x100, i)))
	}
	b.Close(nil)

	for i := 0; i < 5; i++ {
		u, err := b.Pop(ctx)
		require.NoError(t, err, "pending unit %d must be delivered after close", i)
		assert.Equal(t, i, u.Meta.InputIndex)
	}
	_, err := b.Pop(ctx)
	require.ErrorIs(t, err, ErrEndOfStream)
	_, err = b.Pop(ctx)
	require.ErrorIs(t, err, ErrEndOfStream, "sentinel is sticky")
}

func TestBufferErrorTag(t *testing.T) {
	b := New("tag", 4)
	ctx := context.Background()
	boom := errors.New("boom")
	require.NoError(t, b.Push(ctx, unit(1, 0)))
	b.Close(boom)
	b.Close(nil)

	_, err := b.Pop(ctx)
	require.NoError(t, err)
	_, err = b.Pop(ctx)
	require.ErrorIs(t, err, ErrUpstreamFailed)
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, b.Push(ctx, unit(1, 1)), ErrClosed)
}

func TestBufferPushBlocksWhenFull(t *testing.T) {
	b := New("full", 1)
	ctx := context.Background()
	require.NoError(t, b.Push(ctx, unit(1, 0)))

	pushed := make(chan error, 1)
	go func() { pushed <- b.Push(ctx, unit(1, 1)) }()

	select {
	case <-pushed:
		t.Fatal("push must block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	u, err := b.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Meta.InputIndex)
	require.NoError(t, <-pushed)
	assert.True(t, b.Stats().Congested)
}

func TestBufferCancelUnblocksProducer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New("cancel", 1)
	ctx := context.Background()
	require.NoError(t, b.Push(ctx, unit(1, 0)))

	pushed := make(chan error, 1)
	go func() { pushed <- b.Push(ctx, unit(1, 1)) }()
	time.Sleep(10 * time.Millisecond)
	b.Cancel()

	require.ErrorIs(t, <-pushed, ErrConsumerGone)
	require.ErrorIs(t, b.Push(ctx, unit(1, 2)), ErrConsumerGone)

	st := b.Stats()
	assert.True(t, st.Cancelled)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestBufferPopHonorsContext(t *testing.T) {
	b := New("ctx", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferCapacityFloor(t *testing.T) {
	b := New("floor", 0)
	assert.Equal(t, 1, b.Cap())
}
