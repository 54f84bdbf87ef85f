// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// OpenFlags select how a File is opened for writing.
type OpenFlags uint8

const (
	// FlagWrite is mandatory for a packet sink.
	FlagWrite OpenFlags = 1 << iota
	// FlagShared creates the file readable by other users while it is written.
	FlagShared
	// FlagAppend appends to an existing file instead of truncating it.
	FlagAppend
	// FlagKeep fails if the file already exists instead of overwriting it.
	FlagKeep
	// FlagAtomic writes to a pending file that atomically replaces the target on Close.
	FlagAtomic
)

// Has reports whether all bits of f2 are set.
func (f OpenFlags) Has(f2 OpenFlags) bool {
	return f&f2 == f2
}

func (f OpenFlags) String() string {
	var parts []string
	for _, x := range []struct {
		flag OpenFlags
		name string
	}{
		{FlagWrite, "write"}, {FlagShared, "shared"}, {FlagAppend, "append"}, {FlagKeep, "keep"}, {FlagAtomic, "atomic"},
	} {
		if f.Has(x.flag) {
			parts = append(parts, x.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

var (
	ErrFileExists  = errors.New("file already exists")
	ErrNotOpen     = errors.New("file not open")
	ErrAlreadyOpen = errors.New("file already open")
)

// StdioName designates standard output as the sink.
const StdioName = "-"

// File is a packet sink writing units to a named file in a container format.
// Open is called from a stage's Start, WritePackets per unit (or batch) and
// Close from Stop, unconditionally.
type File struct {
	name    string
	flags   OpenFlags
	file    *os.File
	pending *renameio.PendingFile
	w       *Writer
	log     zerolog.Logger
	written uint64
}

// Open creates or opens the named file.
func (f *File) Open(name string, flags OpenFlags, logger zerolog.Logger, format Format) error {
	if f.w != nil {
		return ErrAlreadyOpen
	}
	if !flags.Has(FlagWrite) {
		return fmt.Errorf("open %s: write flag required", name)
	}
	if flags.Has(FlagAtomic) && flags.Has(FlagAppend) {
		return fmt.Errorf("open %s: atomic and append are mutually exclusive", name)
	}

	f.name = name
	f.flags = flags
	f.log = logger
	f.written = 0

	if name == "" || name == StdioName {
		f.w = NewWriter(os.Stdout, format)
		return nil
	}

	perm := os.FileMode(0o600)
	if flags.Has(FlagShared) {
		perm = 0o644
	}

	if flags.Has(FlagKeep) {
		if _, err := os.Stat(name); err == nil {
			return fmt.Errorf("open %s: %w", name, ErrFileExists)
		}
	}

	if flags.Has(FlagAtomic) {
		pf, err := renameio.NewPendingFile(name, renameio.WithPermissions(perm))
		if err != nil {
			return fmt.Errorf("create pending file %s: %w", name, err)
		}
		f.pending = pf
		f.w = NewWriter(pf, format)
		return nil
	}

	mode := os.O_WRONLY | os.O_CREATE
	switch {
	case flags.Has(FlagAppend):
		mode |= os.O_APPEND
	case flags.Has(FlagKeep):
		mode |= os.O_EXCL
	default:
		mode |= os.O_TRUNC
	}
	// #nosec G304 -- output paths are provided by the operator
	file, err := os.OpenFile(filepath.Clean(name), mode, perm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("open %s: %w", name, ErrFileExists)
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	f.file = file
	f.w = NewWriter(file, format)
	return nil
}

// IsOpen reports whether the sink accepts packets.
func (f *File) IsOpen() bool {
	return f.w != nil
}

// Name returns the file name given to Open.
func (f *File) Name() string {
	return f.name
}

// Written returns the number of packets written since Open.
func (f *File) Written() uint64 {
	return f.written
}

// WritePackets writes units in the configured format.
func (f *File) WritePackets(units ...Unit) error {
	if f.w == nil {
		return ErrNotOpen
	}
	if err := f.w.Write(units...); err != nil {
		return fmt.Errorf("write %s: %w", f.name, err)
	}
	f.written += uint64(len(units))
	return nil
}

// Close releases the file. It is safe to call on a file that was never opened
// or is already closed.
func (f *File) Close() error {
	if f.w == nil {
		return nil
	}
	defer func() {
		f.w = nil
		f.file = nil
		f.pending = nil
	}()

	f.log.Debug().
		Str("path", f.name).
		Str("flags", f.flags.String()).
		Uint64("packets", f.written).
		Msg("closing packet file")

	switch {
	case f.pending != nil:
		defer func() {
			if err := f.pending.Cleanup(); err != nil {
				f.log.Debug().Err(err).Msg("cleanup pending packet file")
			}
		}()
		if err := f.pending.CloseAtomicallyReplace(); err != nil {
			return fmt.Errorf("atomically replace %s: %w", f.name, err)
		}
	case f.file != nil:
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("close %s: %w", f.name, err)
		}
	}
	return nil
}

// Discard releases the file without committing it. A pending atomic file is
// removed and the target is left untouched. Other files are closed as is.
func (f *File) Discard() error {
	if f.pending == nil {
		return f.Close()
	}
	pending := f.pending
	f.w, f.file, f.pending = nil, nil, nil

	f.log.Debug().
		Str("path", f.name).
		Uint64("packets", f.written).
		Msg("discarding pending packet file")
	if err := pending.Cleanup(); err != nil {
		return fmt.Errorf("discard pending %s: %w", f.name, err)
	}
	return nil
}
