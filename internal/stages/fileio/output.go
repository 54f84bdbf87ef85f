// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fileio

import (
	"context"
	"fmt"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
)

// sink holds the options shared by the file output and the file processor.
type sink struct {
	name   string
	flags  ts.OpenFlags
	format ts.Format
	start  uint64
	stop   uint64
	file   ts.File
}

var sinkOptions = []stage.OptionSpec{
	stage.Value("format", ""),
	stage.Flag("append", "a"),
	stage.Flag("keep", "k"),
	stage.Flag("atomic", ""),
	stage.Value("add-start-stuffing", ""),
	stage.Value("add-stop-stuffing", ""),
}

func (s *sink) configure(opts stage.Options) error {
	if err := opts.Check(1, stage.OptionNames(sinkOptions...)...); err != nil {
		return err
	}
	s.name = opts.Arg(0, ts.StdioName)
	s.flags = ts.FlagWrite | ts.FlagShared
	for _, f := range []struct {
		name string
		flag ts.OpenFlags
	}{{"append", ts.FlagAppend}, {"keep", ts.FlagKeep}, {"atomic", ts.FlagAtomic}} {
		on, err := opts.Bool(f.name)
		if err != nil {
			return err
		}
		if on {
			s.flags |= f.flag
		}
	}
	if s.flags.Has(ts.FlagAtomic) && s.flags.Has(ts.FlagAppend) {
		return &stage.OptionError{Option: "atomic", Err: fmt.Errorf("%w: --atomic and --append are mutually exclusive", stage.ErrInvalidOption)}
	}
	if s.name == ts.StdioName && s.flags.Has(ts.FlagAtomic) {
		return &stage.OptionError{Option: "atomic", Err: fmt.Errorf("%w: standard output cannot be replaced atomically", stage.ErrInvalidOption)}
	}
	format, err := ts.ParseFormat(opts.String("format", string(ts.FormatTS)))
	if err != nil {
		return &stage.OptionError{Option: "format", Value: opts.String("format", ""), Err: err}
	}
	s.format = format
	if s.start, err = opts.Uint64("add-start-stuffing", 0); err != nil {
		return err
	}
	if s.stop, err = opts.Uint64("add-stop-stuffing", 0); err != nil {
		return err
	}
	return nil
}

func (s *sink) open(env *stage.Env) error {
	if err := s.file.Open(s.name, s.flags, env.Log, s.format); err != nil {
		return err
	}
	env.Log.Info().
		Str(log.FieldPath, s.name).
		Str(log.FieldFormat, string(s.format)).
		Str("flags", s.flags.String()).
		Msg("packet file opened")
	return s.stuff(s.start)
}

func (s *sink) stuff(n uint64) error {
	var batch [ts.PacketsPerDatagram]ts.Unit
	for i := range batch {
		batch[i] = ts.StuffingUnit()
	}
	for n > 0 {
		k := min(n, uint64(len(batch)))
		if err := s.file.WritePackets(batch[:k]...); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// close writes the stop stuffing if the file is still usable, then closes it.
// After a failed run the file is discarded instead.
func (s *sink) close(env *stage.Env) error {
	if !s.file.IsOpen() {
		return nil
	}
	if env.Aborted() {
		env.Log.Warn().Str(log.FieldPath, s.name).Msg("run failed, discarding packet file")
		return s.file.Discard()
	}
	stuffErr := s.stuff(s.stop)
	if stuffErr != nil {
		env.Log.Warn().Err(stuffErr).Msg("write stop stuffing")
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return stuffErr
}

// Output writes every unit it receives to a file.
type Output struct{ sink }

func (o *Output) Configure(_ *stage.Env, opts stage.Options) error {
	return o.configure(opts)
}

func (o *Output) Start(_ context.Context, env *stage.Env) error {
	return o.open(env)
}

func (o *Output) Process(_ context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	if err := o.file.WritePackets(*u); err != nil {
		return stage.StatusError, err
	}
	return stage.StatusOK, nil
}

func (o *Output) Stop(_ context.Context, env *stage.Env) error {
	return o.close(env)
}

// Tee records the stream to a file and passes every unit on. A write
// failure ends the stage instead of failing the pipeline.
type Tee struct {
	sink
	failed bool
}

func (t *Tee) Configure(_ *stage.Env, opts stage.Options) error {
	return t.configure(opts)
}

func (t *Tee) Start(_ context.Context, env *stage.Env) error {
	t.failed = false
	return t.open(env)
}

func (t *Tee) Process(_ context.Context, env *stage.Env, u *ts.Unit) (stage.Status, error) {
	if t.failed {
		return stage.StatusOK, nil
	}
	if err := t.file.WritePackets(*u); err != nil {
		t.failed = true
		env.Log.Error().Err(err).Str(log.FieldPath, t.name).Msg("tee write failed, ending stage")
		_ = t.file.Close()
		return stage.StatusEnd, nil
	}
	return stage.StatusOK, nil
}

func (t *Tee) Stop(_ context.Context, env *stage.Env) error {
	return t.close(env)
}

// Register adds the file stages to r.
func Register(r *stage.Registry) {
	r.MustRegister(
		stage.Registration{
			Name:    "file",
			Role:    stage.RoleInput,
			Usage:   "file [--format F] [-r|--repeat N | -i|--infinite] [--follow] [--bitrate B] [-p|--packet-offset N] [path...]: read packets from files",
			Options: inputOptions,
			New:     func() stage.Stage { return &Input{} },
		},
		stage.Registration{
			Name:    "file",
			Role:    stage.RoleProcessor,
			Usage:   "file [--format F] [-a|--append | -k|--keep | --atomic] [--add-start-stuffing N] [--add-stop-stuffing N] path: record the stream and pass it on",
			Options: sinkOptions,
			New:     func() stage.Stage { return &Tee{} },
		},
		stage.Registration{
			Name:    "file",
			Role:    stage.RoleOutput,
			Usage:   "file [--format F] [-a|--append | -k|--keep | --atomic] [--add-start-stuffing N] [--add-stop-stuffing N] [path]: write packets to a file",
			Options: sinkOptions,
			New:     func() stage.Stage { return &Output{} },
		},
	)
}
