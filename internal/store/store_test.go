// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenInMemorySharesWriteAndReadPool(t *testing.T) {
	s := newTestDB(t)
	require.Same(t, s.WriteDB, s.ReadDB)
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	var tableCount int
	err := s.WriteDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'dataset'`).Scan(&tableCount)
	require.NoError(t, err)
	require.Equal(t, 1, tableCount)
}

func TestOpenFileBacked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xena.db")

	s, err := Open(context.Background(), path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NotSame(t, s.WriteDB, s.ReadDB)

	_, err = s.WriteDB.ExecContext(context.Background(), `INSERT INTO dataset (id, name) VALUES (1, 'd')`)
	require.NoError(t, err)

	var name string
	err = s.ReadDB.QueryRowContext(context.Background(), `SELECT name FROM dataset WHERE id = 1`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "d", name)
}

func TestCloseIsIdempotentSafe(t *testing.T) {
	s := newTestDB(t)
	require.NoError(t, s.Close())
}
