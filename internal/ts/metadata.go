// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ts

import "time"

// SystemClock is the MPEG system clock frequency, the unit of input timestamps.
const SystemClock = 27_000_000

// Metadata travels with its packet through the whole chain.
//
// Labels and Scratch are stage-private: a processor may use them but must not
// expect another unrelated stage to leave them untouched.
type Metadata struct {
	// InputStamp is the input timeline timestamp in SystemClock ticks.
	// Only meaningful when HasInputStamp is set; monotonic when present.
	InputStamp    uint64
	HasInputStamp bool

	// Stuffing marks a null packet synthesized by the engine, as opposed
	// to a null packet delivered by the source.
	Stuffing bool

	// Discontinuity marks a break in the input timeline before this packet.
	Discontinuity bool

	// InputIndex identifies the input source when an input stage merges several.
	InputIndex int

	Labels  uint32
	Scratch uint64
}

// SetInputStamp records an input timestamp.
func (m *Metadata) SetInputStamp(ticks uint64) {
	m.InputStamp = ticks
	m.HasInputStamp = true
}

// InputTime converts the input timestamp to a duration.
func (m *Metadata) InputTime() (time.Duration, bool) {
	if !m.HasInputStamp {
		return 0, false
	}
	return TicksToDuration(m.InputStamp), true
}

// HasLabel reports whether label bit n (0..31) is set.
func (m *Metadata) HasLabel(n uint) bool {
	return n < 32 && m.Labels&(1<<n) != 0
}

// SetLabel sets label bit n (0..31).
func (m *Metadata) SetLabel(n uint) {
	if n < 32 {
		m.Labels |= 1 << n
	}
}

// TicksToDuration converts SystemClock ticks to a duration.
func TicksToDuration(ticks uint64) time.Duration {
	sec := ticks / SystemClock
	rem := ticks % SystemClock
	return time.Duration(sec)*time.Second + time.Duration(rem*1000/27)
}

// DurationToTicks converts a duration to SystemClock ticks.
func DurationToTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	return sec*SystemClock + rem*27/1000
}

// Unit is the atomic transfer unit of the pipeline: a packet and its metadata.
// Units are copied by value; nothing may emit one half without the other.
type Unit struct {
	Packet Packet
	Meta   Metadata
}

// StuffingUnit returns a null packet tagged as engine-inserted stuffing.
func StuffingUnit() Unit {
	return Unit{Packet: NullPacket, Meta: Metadata{Stuffing: true}}
}
