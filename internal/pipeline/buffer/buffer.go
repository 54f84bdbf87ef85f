// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package buffer implements the bounded hand-off queue between two adjacent
// stage runners.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/metrics"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/rs/zerolog"
)

var (
	// ErrEndOfStream is returned by Pop once the producer closed the buffer
	// gracefully and every pending unit was consumed.
	ErrEndOfStream = errors.New("end of stream")
	// ErrUpstreamFailed matches the UpstreamError returned by Pop once the
	// buffer drained after a failed producer.
	ErrUpstreamFailed = errors.New("upstream failed")
	// ErrConsumerGone is returned by Push after the consumer cancelled.
	ErrConsumerGone = errors.New("consumer gone")
	// ErrClosed is returned by Push after the producer closed the buffer.
	ErrClosed = errors.New("buffer closed")
)

// UpstreamError carries the producer's error tag to the consumer.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream failed: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamFailed }

// Source is the consumer side of a buffer.
type Source interface {
	Pop(ctx context.Context) (ts.Unit, error)
	Cancel()
}

// Sink is the producer side of a buffer.
type Sink interface {
	Push(ctx context.Context, u ts.Unit) error
	Close(err error)
	Gone() <-chan struct{}
}

// Buffer is a bounded FIFO with exactly one producer and one consumer.
//
// The producer latch (Close) lets pending units drain before the end
// sentinel surfaces; the consumer latch (Cancel) makes further pushes fail.
type Buffer struct {
	name string
	ch   chan ts.Unit

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	sealed    atomic.Bool

	gone     chan struct{}
	goneOnce sync.Once

	high, low int
	congested atomic.Bool
	gauges    metrics.BufferGauges
	log       zerolog.Logger

	pushed atomic.Uint64
	popped atomic.Uint64
	peak   atomic.Int64
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Peak      int    `json:"peak"`
	Discarded uint64 `json:"discarded"`
	Congested bool   `json:"congested"`
	Closed    bool   `json:"closed"`
	Cancelled bool   `json:"cancelled"`
}

// New creates a buffer holding at most capacity units.
func New(name string, capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	high := capacity * 3 / 4
	if high < 1 {
		high = 1
	}
	return &Buffer{
		name:   name,
		ch:     make(chan ts.Unit, capacity),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
		high:   high,
		low:    capacity / 4,
		gauges: metrics.ForBuffer(name, capacity),
		log:    log.WithComponent("buffer").With().Str(log.FieldBuffer, name).Logger(),
	}
}

func (b *Buffer) Name() string { return b.name }
func (b *Buffer) Cap() int     { return cap(b.ch) }
func (b *Buffer) Len() int     { return len(b.ch) }

// Gone is closed once the consumer cancelled.
func (b *Buffer) Gone() <-chan struct{} { return b.gone }

// Push appends u, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, u ts.Unit) error {
	if b.sealed.Load() {
		return fmt.Errorf("push %s: %w", b.name, ErrClosed)
	}
	select {
	case <-b.gone:
		return fmt.Errorf("push %s: %w", b.name, ErrConsumerGone)
	default:
	}
	select {
	case b.ch <- u:
	case <-b.gone:
		return fmt.Errorf("push %s: %w", b.name, ErrConsumerGone)
	case <-ctx.Done():
		return fmt.Errorf("push %s: %w", b.name, ctx.Err())
	}
	b.pushed.Add(1)
	b.observe(true)
	return nil
}

// Pop removes the oldest unit, blocking while the buffer is empty and the
// producer latch is open.
func (b *Buffer) Pop(ctx context.Context) (ts.Unit, error) {
	select {
	case u := <-b.ch:
		b.popped.Add(1)
		b.observe(false)
		return u, nil
	default:
	}
	select {
	case u := <-b.ch:
		b.popped.Add(1)
		b.observe(false)
		return u, nil
	case <-b.closed:
		// Every push happened before Close; anything left is still queued.
		select {
		case u := <-b.ch:
			b.popped.Add(1)
			b.observe(false)
			return u, nil
		default:
		}
		if b.closeErr != nil {
			return ts.Unit{}, &UpstreamError{Err: b.closeErr}
		}
		return ts.Unit{}, ErrEndOfStream
	case <-ctx.Done():
		return ts.Unit{}, fmt.Errorf("pop %s: %w", b.name, ctx.Err())
	}
}

// Close sets the producer latch. A nil err is a graceful end of stream.
// Only the first call has an effect.
func (b *Buffer) Close(err error) {
	b.closeOnce.Do(func() {
		b.closeErr = err
		b.sealed.Store(true)
		close(b.closed)
	})
}

// Cancel sets the consumer latch. Pending units are discarded.
func (b *Buffer) Cancel() {
	b.goneOnce.Do(func() {
		close(b.gone)
		if n := len(b.ch); n > 0 {
			b.log.Debug().Int(log.FieldPackets, n).Msg("consumer cancelled with pending units")
		}
	})
}

func (b *Buffer) cancelled() bool {
	select {
	case <-b.gone:
		return true
	default:
		return false
	}
}

// Stats returns the current counters. Discarded is only meaningful once
// both adjacent runners exited.
func (b *Buffer) Stats() Stats {
	pushed, popped := b.pushed.Load(), b.popped.Load()
	s := Stats{
		Name:      b.name,
		Capacity:  cap(b.ch),
		Pending:   len(b.ch),
		Pushed:    pushed,
		Popped:    popped,
		Peak:      int(b.peak.Load()),
		Congested: b.congested.Load(),
		Closed:    b.sealed.Load(),
		Cancelled: b.cancelled(),
	}
	if s.Cancelled && pushed > popped {
		s.Discarded = pushed - popped
	}
	return s
}

func (b *Buffer) observe(push bool) {
	n := len(b.ch)
	b.gauges.Occupancy.Set(float64(n))
	if push {
		for {
			p := b.peak.Load()
			if int64(n) <= p || b.peak.CompareAndSwap(p, int64(n)) {
				break
			}
		}
		if n >= b.high && b.congested.CompareAndSwap(false, true) {
			b.gauges.Congestion.Inc()
			b.log.Debug().Int(log.FieldPackets, n).Msg("buffer congested")
		}
		return
	}
	if n <= b.low && b.congested.CompareAndSwap(true, false) {
		b.log.Debug().Int(log.FieldPackets, n).Msg("buffer relieved")
	}
}

var (
	_ Source = (*Buffer)(nil)
	_ Sink   = (*Buffer)(nil)
)
