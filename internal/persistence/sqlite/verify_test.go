// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateAppliesPendingVersions(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "m.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, SQL: "CREATE TABLE a (id INTEGER PRIMARY KEY);"},
		{Version: 2, SQL: "ALTER TABLE a ADD COLUMN name TEXT;"},
	}
	v, err := Migrate(ctx, db, migrations[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = Migrate(ctx, db, migrations)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Reapplying is a no-op.
	v, err = Migrate(ctx, db, migrations)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = db.Exec("INSERT INTO a (name) VALUES ('x')")
	require.NoError(t, err)
}

func TestMigrateRollsBackFailedStep(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "m.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	v, err := Migrate(ctx, db, []Migration{
		{Version: 1, SQL: "CREATE TABLE a (id INTEGER PRIMARY KEY);"},
		{Version: 2, SQL: "THIS IS NOT SQL;"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, v)

	var current int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&current))
	assert.Equal(t, 1, current)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "corruptible.sqlite")

	db, err := Open(ctx, dbPath, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, _ = db.Exec("INSERT INTO test (data) VALUES (printf('%.100c', 'A'));")
	}
	_, err = db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(ctx, dbPath, "quick")
	require.NoError(t, err)
	require.Nil(t, issues)

	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	garbage := make([]byte, 100)
	_, _ = rand.Read(garbage)
	_, err = f.WriteAt(garbage, 4096)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	issues, err = VerifyIntegrity(ctx, dbPath, "full")
	if err == nil {
		assert.NotNil(t, issues)
	}
}
