// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// followPoll bounds the wait when a write event was missed.
const followPoll = 500 * time.Millisecond

// followReader reads a file that is still being written. At end of file it
// waits for fsnotify write events instead of returning io.EOF. The file
// being removed or renamed ends the stream.
type followReader struct {
	f       *os.File
	watcher *fsnotify.Watcher
	target  string
	log     zerolog.Logger
	ctx     context.Context
	gone    bool
}

func newFollowReader(f *os.File, logger zerolog.Logger) (*followReader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	// Watch the parent directory so renames and removals are seen too.
	dir := filepath.Dir(f.Name())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	return &followReader{
		f:       f,
		watcher: watcher,
		target:  filepath.Base(f.Name()),
		log:     logger,
		ctx:     context.Background(),
	}, nil
}

// bind sets the context the next reads honor.
func (r *followReader) bind(ctx context.Context) { r.ctx = ctx }

func (r *followReader) Read(p []byte) (int, error) {
	timer := time.NewTimer(followPoll)
	defer timer.Stop()
	for {
		n, err := r.f.Read(p)
		if n > 0 || !errors.Is(err, io.EOF) || r.gone {
			return n, err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(followPoll)

		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case <-timer.C:
		case event, ok := <-r.watcher.Events:
			if !ok {
				return 0, io.EOF
			}
			if filepath.Base(event.Name) != r.target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.log.Info().Str("path", event.Name).Msg("followed file went away, ending stream")
				// Drain what was written before the removal.
				r.gone = true
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return 0, io.EOF
			}
			r.log.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (r *followReader) Close() error {
	return r.watcher.Close()
}
