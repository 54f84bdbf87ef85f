// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package history persists pipeline run reports.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/tspipe/internal/pipeline"
)

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"

	// DefaultListLimit bounds List when the caller passes 0.
	DefaultListLimit = 50
)

var (
	ErrNotFound       = errors.New("run not found")
	ErrUnknownBackend = errors.New("unknown history backend")
	ErrMissingRunID   = errors.New("report has no run id")
)

// Store keeps completed run reports keyed by run ID.
type Store interface {
	// Put stores rep, replacing a previous report with the same run ID.
	Put(ctx context.Context, rep pipeline.Report) error
	// Get returns the report of one run or ErrNotFound.
	Get(ctx context.Context, runID string) (pipeline.Report, error)
	// List returns up to limit reports, most recently started first.
	List(ctx context.Context, limit int) ([]pipeline.Report, error)
	// Prune deletes all but the keep most recent reports and returns the
	// number removed.
	Prune(ctx context.Context, keep int) (int, error)
	Close() error
}

// Open returns the store for backend. Path is a file for sqlite and a
// directory for badger; memory ignores it.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		return OpenSQLite(ctx, path)
	case BackendBadger:
		return OpenBadger(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func checkReport(rep pipeline.Report) error {
	if rep.RunID == "" {
		return ErrMissingRunID
	}
	return nil
}
