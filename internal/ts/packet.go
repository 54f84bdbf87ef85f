// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ts holds the unit that flows through a pipeline: one 188-byte MPEG
// transport stream packet paired with its metadata, plus the container formats
// used to read and write packets at the edges of the pipeline.
package ts

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// PacketSize is the size of a transport stream packet on the wire.
	PacketSize = 188
	// RSPacketSize is the size of a packet followed by its Reed-Solomon trailer.
	RSPacketSize = 204
	// RSTrailerSize is the number of FEC bytes after a 204-byte packet.
	RSTrailerSize = RSPacketSize - PacketSize
	// SyncByte starts every packet.
	SyncByte = 0x47
	// PIDNull is the PID of null (stuffing) packets.
	PIDNull uint16 = 0x1FFF
	// PIDMax is the largest valid PID value.
	PIDMax uint16 = 0x1FFF
	// PacketsPerDatagram is the customary number of packets per UDP datagram.
	PacketsPerDatagram = 7
)

// Packet is a fixed-size transport stream packet.
// Its content may be modified by processors; its size never changes.
type Packet [PacketSize]byte

// NullPacket is the canonical null packet: PID 0x1FFF, payload only, 0xFF filled.
var NullPacket = func() Packet {
	var p Packet
	p[0] = SyncByte
	p[1] = 0x1F
	p[2] = 0xFF
	p[3] = 0x10
	for i := 4; i < PacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}()

// HasValidSync reports whether the packet starts with the sync byte.
func (p *Packet) HasValidSync() bool {
	return p[0] == SyncByte
}

// PID returns the 13-bit packet identifier.
func (p *Packet) PID() uint16 {
	return uint16(p[1]&0x1F)<<8 | uint16(p[2])
}

// SetPID replaces the packet identifier, keeping the other header bits.
func (p *Packet) SetPID(pid uint16) {
	p[1] = p[1]&0xE0 | byte(pid>>8)&0x1F
	p[2] = byte(pid)
}

// IsNull reports whether the packet is on the null PID.
func (p *Packet) IsNull() bool {
	return p.PID() == PIDNull
}

// PUSI reports the payload_unit_start_indicator.
func (p *Packet) PUSI() bool {
	return p[1]&0x40 != 0
}

// TEI reports the transport_error_indicator.
func (p *Packet) TEI() bool {
	return p[1]&0x80 != 0
}

// CC returns the 4-bit continuity counter.
func (p *Packet) CC() uint8 {
	return p[3] & 0x0F
}

// String is used in test failures and debug logs.
func (p *Packet) String() string {
	return fmt.Sprintf("pid=0x%04X cc=%d pusi=%t", p.PID(), p.CC(), p.PUSI())
}

// PIDString formats a PID the way logs show it.
func PIDString(pid uint16) string {
	return fmt.Sprintf("0x%04X", pid)
}

// ParsePID accepts decimal or 0x-prefixed hexadecimal PIDs.
func ParsePID(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil || n > uint64(PIDMax) {
		return 0, fmt.Errorf("invalid PID %q", s)
	}
	return uint16(n), nil
}
