// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ManuGH/tspipe/internal/pipeline"
)

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]pipeline.Report
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]pipeline.Report)}
}

func (m *Memory) Put(_ context.Context, rep pipeline.Report) error {
	if err := checkReport(rep); err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[rep.RunID] = cloneReport(rep)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (pipeline.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.runs[runID]
	if !ok {
		return pipeline.Report{}, ErrNotFound
	}
	return cloneReport(rep), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]pipeline.Report, error) {
	m.mu.RLock()
	all := m.sorted()
	m.mu.RUnlock()
	if n := limitOrDefault(limit); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *Memory) Prune(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return 0, nil
	}
	for _, rep := range all[keep:] {
		delete(m.runs, rep.RunID)
	}
	return len(all) - keep, nil
}

func (m *Memory) Close() error { return nil }

// sorted returns copies ordered newest first. Callers hold the lock.
func (m *Memory) sorted() []pipeline.Report {
	out := make([]pipeline.Report, 0, len(m.runs))
	for _, rep := range m.runs {
		out = append(out, cloneReport(rep))
	}
	slices.SortFunc(out, func(a, b pipeline.Report) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	return out
}

func cloneReport(rep pipeline.Report) pipeline.Report {
	rep.Stages = slices.Clone(rep.Stages)
	rep.Buffers = slices.Clone(rep.Buffers)
	rep.Errors = slices.Clone(rep.Errors)
	return rep
}
