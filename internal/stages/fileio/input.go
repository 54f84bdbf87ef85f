// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fileio implements the file stages: a file input, a file output
// and a file processor that records the stream while passing it on.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"golang.org/x/time/rate"
)

var ErrStdinRepeat = errors.New("standard input cannot be repeated or followed")

// Input reads packets from one or more files in sequence.
type Input struct {
	names   []string
	format  ts.Format
	repeat  uint64 // passes over the file list, 0 means forever
	follow  bool
	bitrate uint64 // bits per second, 0 means unpaced
	skip    uint64 // packets skipped at the start of each file

	idx      int
	pass     uint64
	file     *os.File
	follower *followReader
	reader   *ts.Reader
	limiter  *rate.Limiter
	read     uint64
}

var inputOptions = []stage.OptionSpec{
	stage.Value("format", ""),
	stage.Value("repeat", "r"),
	stage.Flag("infinite", "i"),
	stage.Flag("follow", ""),
	stage.Value("bitrate", ""),
	stage.Value("packet-offset", "p"),
}

func (in *Input) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(1<<10, stage.OptionNames(inputOptions...)...); err != nil {
		return err
	}
	in.names = opts.Args()
	if len(in.names) == 0 {
		in.names = []string{ts.StdioName}
	}
	format, err := ts.ParseFormat(opts.String("format", string(ts.FormatAuto)))
	if err != nil {
		return &stage.OptionError{Option: "format", Value: opts.String("format", ""), Err: err}
	}
	in.format = format
	if in.repeat, err = opts.Uint64("repeat", 1); err != nil {
		return err
	}
	infinite, err := opts.Bool("infinite")
	if err != nil {
		return err
	}
	if infinite {
		in.repeat = 0
	}
	if in.follow, err = opts.Bool("follow"); err != nil {
		return err
	}
	if in.bitrate, err = opts.Uint64("bitrate", 0); err != nil {
		return err
	}
	if in.skip, err = opts.Uint64("packet-offset", 0); err != nil {
		return err
	}

	if in.follow && (len(in.names) != 1 || in.repeat != 1) {
		return &stage.OptionError{Option: "follow", Err: fmt.Errorf("%w: follow needs exactly one file and no repeat", stage.ErrInvalidOption)}
	}
	for _, name := range in.names {
		if name == ts.StdioName && (in.repeat != 1 || in.follow || in.skip > 0) {
			return ErrStdinRepeat
		}
	}
	return nil
}

func (in *Input) Start(_ context.Context, env *stage.Env) error {
	in.idx, in.pass, in.read = 0, 0, 0
	in.limiter = nil
	if in.bitrate > 0 {
		pps := float64(in.bitrate) / float64(ts.PacketSize*8)
		in.limiter = rate.NewLimiter(rate.Limit(pps), ts.PacketsPerDatagram)
		env.Log.Info().Uint64(log.FieldBitrate, in.bitrate).Msg("pacing file input")
	}
	return in.open(env)
}

func (in *Input) open(env *stage.Env) error {
	name := in.names[in.idx]
	var src io.Reader
	if name == ts.StdioName {
		src = os.Stdin
	} else {
		// #nosec G304 -- input paths are provided by the operator
		f, err := os.Open(filepath.Clean(name))
		if err != nil {
			return fmt.Errorf("open input %s: %w", name, err)
		}
		in.file = f
		src = f
		if in.skip > 0 {
			off := int64(in.skip) * int64(in.frameSize(f))
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				_ = f.Close()
				in.file = nil
				return fmt.Errorf("seek %s: %w", name, err)
			}
		}
		if in.follow {
			fr, err := newFollowReader(f, env.Log)
			if err != nil {
				_ = f.Close()
				in.file = nil
				return err
			}
			in.follower = fr
			src = fr
		}
	}
	in.reader = ts.NewReader(src, in.format)
	env.Log.Debug().Str(log.FieldPath, name).Uint64("pass", in.pass).Msg("reading packet file")
	return nil
}

// frameSize resolves the frame size used for packet offsets.
func (in *Input) frameSize(f *os.File) int {
	if in.format != ts.FormatAuto {
		return in.format.FrameSize()
	}
	r := ts.NewReader(f, ts.FormatAuto)
	var u ts.Unit
	_ = r.Read(&u)
	size := r.Format().FrameSize()
	_, _ = f.Seek(0, io.SeekStart)
	return size
}

func (in *Input) closeCurrent() error {
	var errs []error
	if in.follower != nil {
		errs = append(errs, in.follower.Close())
		in.follower = nil
	}
	if in.file != nil {
		errs = append(errs, in.file.Close())
		in.file = nil
	}
	in.reader = nil
	return errors.Join(errs...)
}

func (in *Input) Produce(ctx context.Context, env *stage.Env, u *ts.Unit) (stage.Status, error) {
	if in.limiter != nil {
		if err := in.limiter.Wait(ctx); err != nil {
			return stage.StatusError, fmt.Errorf("pace input: %w", err)
		}
	}
	for {
		if in.reader == nil {
			return stage.StatusEnd, nil
		}
		if in.follower != nil {
			in.follower.bind(ctx)
		}
		err := in.reader.Read(u)
		if err == nil {
			in.read++
			u.Meta.InputIndex = in.idx
			return stage.StatusOK, nil
		}
		switch {
		case errors.Is(err, io.EOF):
		case errors.Is(err, io.ErrUnexpectedEOF):
			env.Log.Warn().Str(log.FieldPath, in.names[in.idx]).Msg("truncated packet at end of file ignored")
		default:
			return stage.StatusError, fmt.Errorf("read %s: %w", in.names[in.idx], err)
		}
		if done, err := in.advance(env); err != nil {
			return stage.StatusError, err
		} else if done {
			return stage.StatusEnd, nil
		}
	}
}

// advance moves to the next file, wrapping around for repeated passes.
func (in *Input) advance(env *stage.Env) (bool, error) {
	if err := in.closeCurrent(); err != nil {
		env.Log.Warn().Err(err).Msg("close input file")
	}
	in.idx++
	if in.idx == len(in.names) {
		in.pass++
		if in.repeat != 0 && in.pass >= in.repeat {
			return true, nil
		}
		in.idx = 0
	}
	if err := in.open(env); err != nil {
		return false, err
	}
	return false, nil
}

func (in *Input) Stop(_ context.Context, env *stage.Env) error {
	env.Log.Debug().Uint64(log.FieldPackets, in.read).Msg("file input stopped")
	return in.closeCurrent()
}
