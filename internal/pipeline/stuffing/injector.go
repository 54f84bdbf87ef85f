// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stuffing injects engine-generated null packets at the head and
// tail of a stream.
package stuffing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ManuGH/tspipe/internal/metrics"
	"github.com/ManuGH/tspipe/internal/pipeline/buffer"
	"github.com/ManuGH/tspipe/internal/ts"
)

// Injector wraps the consumer side of the first buffer. It yields start
// null units before any real unit is popped, and stop null units once the
// input closed with end of stream, before the end sentinel. No stop
// stuffing follows an upstream failure.
type Injector struct {
	src       buffer.Source
	startLeft int
	stopLeft  int
	emitted   atomic.Uint64
}

// Wrap returns src unchanged when both counts are zero.
func Wrap(src buffer.Source, start, stop int) buffer.Source {
	if start <= 0 && stop <= 0 {
		return src
	}
	return &Injector{src: src, startLeft: max(start, 0), stopLeft: max(stop, 0)}
}

func (in *Injector) Pop(ctx context.Context) (ts.Unit, error) {
	if in.startLeft > 0 {
		if err := ctx.Err(); err != nil {
			return ts.Unit{}, fmt.Errorf("start stuffing: %w", err)
		}
		in.startLeft--
		return in.emit("start"), nil
	}
	u, err := in.src.Pop(ctx)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, buffer.ErrEndOfStream) && in.stopLeft > 0 {
		in.stopLeft--
		return in.emit("stop"), nil
	}
	return u, err
}

// Cancel forwards the consumer latch and abandons pending stuffing.
func (in *Injector) Cancel() {
	in.startLeft, in.stopLeft = 0, 0
	in.src.Cancel()
}

// Emitted returns the number of null units injected so far.
func (in *Injector) Emitted() uint64 { return in.emitted.Load() }

func (in *Injector) emit(position string) ts.Unit {
	in.emitted.Add(1)
	metrics.AddStuffing(position, 1)
	return ts.StuffingUnit()
}
