// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Format is a packet container format, selected per boundary stage.
type Format string

const (
	FormatAuto  Format = "autodetect"
	FormatTS    Format = "ts"    // raw 188-byte packets
	FormatM2TS  Format = "m2ts"  // 4-byte timestamp header + 188-byte packet
	FormatRS204 Format = "rs204" // 188-byte packet + 16 Reed-Solomon bytes
)

const m2tsStampMask = 0x3FFFFFFF

var (
	// ErrSyncLost is returned when a packet does not start with the sync byte.
	ErrSyncLost = errors.New("transport stream synchronization lost")
	// ErrUnknownFormat is returned by ParseFormat for unrecognized names.
	ErrUnknownFormat = errors.New("unknown packet format")
)

// ParseFormat resolves a format name. The empty string selects FormatTS.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatTS:
		return FormatTS, nil
	case FormatM2TS:
		return FormatM2TS, nil
	case FormatRS204:
		return FormatRS204, nil
	case FormatAuto, "auto":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// HeaderSize is the number of bytes preceding each packet.
func (f Format) HeaderSize() int {
	if f == FormatM2TS {
		return 4
	}
	return 0
}

// TrailerSize is the number of bytes following each packet.
func (f Format) TrailerSize() int {
	if f == FormatRS204 {
		return RSTrailerSize
	}
	return 0
}

// FrameSize is the number of bytes one packet occupies in the container.
func (f Format) FrameSize() int {
	return f.HeaderSize() + PacketSize + f.TrailerSize()
}

// Reader reads units from a packet container.
type Reader struct {
	br       *bufio.Reader
	format   Format
	frame    []byte
	count    uint64
	detected bool
}

// NewReader returns a reader for the given format. FormatAuto inspects the
// first bytes of the stream on the first Read.
func NewReader(r io.Reader, format Format) *Reader {
	if format == "" {
		format = FormatTS
	}
	return &Reader{
		br:       bufio.NewReaderSize(r, 64*RSPacketSize),
		format:   format,
		detected: format != FormatAuto,
	}
}

// Format returns the active format. Before the first Read of an autodetecting
// reader it returns FormatAuto.
func (r *Reader) Format() Format {
	return r.format
}

// Count returns the number of packets read so far.
func (r *Reader) Count() uint64 {
	return r.count
}

func (r *Reader) detect() error {
	r.detected = true
	head, err := r.br.Peek(RSPacketSize + 1)
	if err != nil && len(head) == 0 {
		return err
	}
	switch {
	case len(head) > 4 && head[0] != SyncByte && head[4] == SyncByte:
		r.format = FormatM2TS
	case len(head) > RSPacketSize && head[0] == SyncByte && head[PacketSize] != SyncByte && head[RSPacketSize] == SyncByte:
		r.format = FormatRS204
	default:
		r.format = FormatTS
	}
	return nil
}

// Read fills u with the next packet. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream ends inside a packet.
func (r *Reader) Read(u *Unit) error {
	if !r.detected {
		if err := r.detect(); err != nil {
			return err
		}
	}
	size := r.format.FrameSize()
	if cap(r.frame) < size {
		r.frame = make([]byte, size)
	}
	frame := r.frame[:size]
	if _, err := io.ReadFull(r.br, frame); err != nil {
		return err
	}

	hdr := r.format.HeaderSize()
	copy(u.Packet[:], frame[hdr:hdr+PacketSize])
	u.Meta = Metadata{}
	if r.format == FormatM2TS {
		stamp := uint64(binary.BigEndian.Uint32(frame[:4]) & m2tsStampMask)
		u.Meta.SetInputStamp(stamp)
	}
	if !u.Packet.HasValidSync() {
		return fmt.Errorf("%w at packet %d", ErrSyncLost, r.count)
	}
	r.count++
	return nil
}

// Writer writes units into a packet container.
type Writer struct {
	w      io.Writer
	format Format
	buf    []byte
}

// NewWriter returns a writer for the given format. FormatAuto writes raw TS.
func NewWriter(w io.Writer, format Format) *Writer {
	if format == "" || format == FormatAuto {
		format = FormatTS
	}
	return &Writer{w: w, format: format}
}

// Format returns the output format.
func (w *Writer) Format() Format {
	return w.format
}

// Write encodes and writes all units with a single call to the underlying writer.
func (w *Writer) Write(units ...Unit) error {
	size := w.format.FrameSize()
	need := size * len(units)
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	for i := range units {
		frame := buf[i*size : (i+1)*size]
		hdr := w.format.HeaderSize()
		if hdr > 0 {
			var stamp uint32
			if units[i].Meta.HasInputStamp {
				stamp = uint32(units[i].Meta.InputStamp & m2tsStampMask)
			}
			binary.BigEndian.PutUint32(frame[:4], stamp)
		}
		copy(frame[hdr:], units[i].Packet[:])
		for j := hdr + PacketSize; j < size; j++ {
			frame[j] = 0
		}
	}
	_, err := w.w.Write(buf)
	return err
}
