// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/tspipe/internal/persistence/sqlite"
	"github.com/ManuGH/tspipe/internal/pipeline"
)

var migrations = []sqlite.Migration{
	{Version: 1, SQL: `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		report TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at_ms);
	`},
	{Version: 2, SQL: `
	ALTER TABLE runs ADD COLUMN error_count INTEGER NOT NULL DEFAULT 0;
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`},
}

// SQLite stores reports in a single table, the full report as JSON beside
// a few indexed summary columns.
type SQLite struct {
	DB *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "tspipe-history.sqlite"
	}
	db, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if _, err := sqlite.Migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &SQLite{DB: db}, nil
}

func (s *SQLite) Put(ctx context.Context, rep pipeline.Report) error {
	if err := checkReport(rep); err != nil {
		return err
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	query := `
	INSERT INTO runs (run_id, state, reason, started_at_ms, finished_at_ms, delivered, error_count, report)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		state = excluded.state,
		reason = excluded.reason,
		started_at_ms = excluded.started_at_ms,
		finished_at_ms = excluded.finished_at_ms,
		delivered = excluded.delivered,
		error_count = excluded.error_count,
		report = excluded.report
	`
	_, err = s.DB.ExecContext(ctx, query,
		rep.RunID, string(rep.State), string(rep.Reason),
		rep.StartedAt.UnixMilli(), rep.FinishedAt.UnixMilli(),
		int64(rep.Delivered()), len(rep.Errors), string(body),
	)
	if err != nil {
		return fmt.Errorf("store run %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, runID string) (pipeline.Report, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT report FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Report{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decodeReport([]byte(body))
}

func (s *SQLite) List(ctx context.Context, limit int) ([]pipeline.Report, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT report FROM runs ORDER BY started_at_ms DESC, run_id ASC LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rep, err := decodeReport([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (s *SQLite) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.DB.ExecContext(ctx, `
	DELETE FROM runs WHERE run_id NOT IN (
		SELECT run_id FROM runs ORDER BY started_at_ms DESC, run_id ASC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLite) Close() error { return s.DB.Close() }

func decodeReport(body []byte) (pipeline.Report, error) {
	var rep pipeline.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return pipeline.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}
