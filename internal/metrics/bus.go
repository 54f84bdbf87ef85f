// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BufferOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tspipe_buffer_occupancy_packets",
		Help: "Packets currently pending in an inter-stage buffer",
	}, []string{"buffer"})

	BufferCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tspipe_buffer_capacity_packets",
		Help: "Configured capacity of an inter-stage buffer",
	}, []string{"buffer"})

	BufferCongestionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_buffer_congestion_total",
		Help: "Times an inter-stage buffer crossed its high watermark",
	}, []string{"buffer"})

	BufferDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tspipe_buffer_discarded_total",
		Help: "Packets left in an inter-stage buffer when its consumer went away, by reason",
	}, []string{"buffer", "reason"})
)

// BufferGauges is the per-buffer set of metric children, resolved once so the
// packet path does not pay for label lookups.
type BufferGauges struct {
	Occupancy  prometheus.Gauge
	Congestion prometheus.Counter
}

// ForBuffer resolves the metric children of one buffer and publishes its capacity.
func ForBuffer(name string, capacity int) BufferGauges {
	if name == "" {
		name = "unknown"
	}
	BufferCapacity.WithLabelValues(name).Set(float64(capacity))
	return BufferGauges{
		Occupancy:  BufferOccupancy.WithLabelValues(name),
		Congestion: BufferCongestionTotal.WithLabelValues(name),
	}
}

// AddBufferDiscarded records packets abandoned in a buffer.
func AddBufferDiscarded(buffer, reason string, n int) {
	if n <= 0 {
		return
	}
	if buffer == "" {
		buffer = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BufferDiscardedTotal.WithLabelValues(buffer, reason).Add(float64(n))
}
