// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline/buffer"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
)

// StageReport is the observed state of one stage.
type StageReport struct {
	stage.Descriptor
	State    StageState `json:"state"`
	Reason   Reason     `json:"reason,omitempty"`
	Detached bool       `json:"detached,omitempty"`
	Error    string     `json:"error,omitempty"`
	stage.Snapshot
}

// Report is the completion status of a pipeline. It is authoritative only
// once Run returned.
type Report struct {
	RunID      string         `json:"run_id"`
	State      State          `json:"state"`
	Reason     Reason         `json:"reason,omitempty"`
	Options    Options        `json:"options"`
	Stages     []StageReport  `json:"stages"`
	Buffers    []buffer.Stats `json:"buffers"`
	Stuffing   uint64         `json:"stuffing_packets"`
	Errors     []string       `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Delivered is the number of units accepted by the output stage.
func (r Report) Delivered() uint64 {
	if len(r.Stages) == 0 {
		return 0
	}
	return r.Stages[len(r.Stages)-1].Out
}

// Accepted is the number of units the input handed to the chain.
func (r Report) Accepted() uint64 {
	if len(r.Stages) == 0 {
		return 0
	}
	return r.Stages[0].Out
}

// Dropped sums the units consumed without forwarding by every stage after
// the input.
func (r Report) Dropped() uint64 {
	var n uint64
	for i, s := range r.Stages {
		if i > 0 {
			n += s.Dropped
		}
	}
	return n
}

// Discarded sums the units left in buffers whose consumer went away.
func (r Report) Discarded() uint64 {
	var n uint64
	for _, b := range r.Buffers {
		n += b.Discarded
	}
	return n
}

// Duration is the wall time of the run, or the time so far.
func (r Report) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}

// Failed reports whether the run ended in StateFailed.
func (r Report) Failed() bool { return r.State == StateFailed }
