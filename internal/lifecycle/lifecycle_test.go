// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClearByExpRemovesAllFieldRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.WriteDB.ExecContext(ctx, `INSERT INTO dataset (id, name) VALUES (1, 'ds')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO field (id, dataset_id, name) VALUES (100, 1, 'probe1')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO field_score (field_id, i, payload) VALUES (100, 0, x'00')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO feature (id, field_id, value_type) VALUES (200, 100, 'category')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO code (field_id, ordering, value) VALUES (100, 0, 'yes')`)
	require.NoError(t, err)

	require.NoError(t, ClearByExp(ctx, s.WriteDB, 1))

	var count int
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM field WHERE dataset_id = 1`).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM field_score`).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM code`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestDeleteDatasetRemovesDatasetRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := New(s, cache.New(4, fakeSource{}), nil)

	_, err := s.WriteDB.ExecContext(ctx, `INSERT INTO dataset (id, name) VALUES (1, 'ds')`)
	require.NoError(t, err)

	require.NoError(t, m.DeleteDataset(ctx, "ds"))

	var count int
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestDeleteDatasetAbsentIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	m := New(s, nil, nil)
	require.NoError(t, m.DeleteDataset(context.Background(), "does-not-exist"))
}

func TestCleanSourcesRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := New(s, nil, nil)

	_, err := s.WriteDB.ExecContext(ctx, `INSERT INTO source (id, name, mtime, content_hash) VALUES (1, 'a.tsv', 0, 'h1')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO source (id, name, mtime, content_hash) VALUES (2, 'b.tsv', 0, 'h2')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO dataset (id, name) VALUES (1, 'ds')`)
	require.NoError(t, err)
	_, err = s.WriteDB.ExecContext(ctx, `INSERT INTO dataset_source (dataset_id, source_id) VALUES (1, 1)`)
	require.NoError(t, err)

	n, err := m.CleanSources(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var count int
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM source`).Scan(&count))
	require.Equal(t, 1, count)
}

type fakeSource struct{}

func (fakeSource) LoadSegment(ctx context.Context, fieldID, segmentIndex int64) ([]float32, bool, error) {
	return nil, false, nil
}
