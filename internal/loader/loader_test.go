// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package loader

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/matrix"
	"github.com/prertik/ucsc-xena-server/internal/store"
)

func newTestLoader(t *testing.T) (*Loader, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	segCache := cache.New(8, store.NewSegmentSource(s))
	return New(s, segCache, nil), s
}

func floatField(name string, values []float64) matrix.Field {
	return matrix.Field{
		Name:      name,
		ValueType: matrix.Float,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			rows := make([]matrix.RowValue, len(values))
			for i, v := range values {
				rows[i] = matrix.RowValue{Float: v}
			}
			return matrix.NewSliceRowIterator(rows), nil
		},
	}
}

func categoryField(name string, values []string) matrix.Field {
	return matrix.Field{
		Name:      name,
		ValueType: matrix.Category,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			rows := make([]matrix.RowValue, len(values))
			for i, v := range values {
				rows[i] = matrix.RowValue{Category: v}
			}
			return matrix.NewSliceRowIterator(rows), nil
		},
	}
}

// TestWriteMatrixInMemoryScenario loads a two-sample, two-field matrix
// end to end and checks the resulting schema and row count.
func TestWriteMatrixInMemoryScenario(t *testing.T) {
	l, s := newTestLoader(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{
		categoryField("sampleID", []string{"sample1", "sample2"}),
		floatField("probe1", []float64{1.1, 1.2}),
		floatField("probe2", []float64{2.1, 2.2}),
	})

	res, err := l.WriteMatrix(ctx, Input{DatasetName: "id1", MatrixSource: src})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RowCount)
	require.Empty(t, res.Warnings)

	var fieldCount int
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM field WHERE dataset_id = (SELECT id FROM dataset WHERE name = 'id1')`).Scan(&fieldCount))
	require.Equal(t, 3, fieldCount)

	var rowCount int64
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT row_count FROM dataset WHERE name = 'id1'`).Scan(&rowCount))
	require.Equal(t, int64(2), rowCount)
}

// TestWriteMatrixIdempotentOnUnchangedSources checks the idempotence
// property: two consecutive loads with identical sources perform no
// structural change on the second call.
func TestWriteMatrixIdempotentOnUnchangedSources(t *testing.T) {
	l, s := newTestLoader(t)
	ctx := context.Background()

	content := "probe\tsample1\tsample2\n"
	ref := fileRefFromString("matrix.tsv", content)

	makeSource := func() matrix.Source {
		return matrix.NewSliceSource([]matrix.Field{
			categoryField("sampleID", []string{"sample1", "sample2"}),
			floatField("probe1", []float64{1.0, 2.0}),
		})
	}

	_, err := l.WriteMatrix(ctx, Input{DatasetName: "ds", Sources: []matrix.FileRef{ref}, MatrixSource: makeSource()})
	require.NoError(t, err)

	var firstFieldID int64
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT id FROM field WHERE name = 'probe1'`).Scan(&firstFieldID))

	_, err = l.WriteMatrix(ctx, Input{DatasetName: "ds", Sources: []matrix.FileRef{ref}, MatrixSource: makeSource()})
	require.NoError(t, err)

	var secondFieldID int64
	require.NoError(t, s.WriteDB.QueryRowContext(ctx, `SELECT id FROM field WHERE name = 'probe1'`).Scan(&secondFieldID))

	require.Equal(t, firstFieldID, secondFieldID, "unchanged sources must not trigger a reload")
}

func TestWriteMatrixCategoryFieldGetsCodes(t *testing.T) {
	l, s := newTestLoader(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{
		categoryField("sampleID", []string{"s1", "s2", "s3", "s4", "s5"}),
		categoryField("gender", []string{"female", "male", "male", "female", "female"}),
	})

	_, err := l.WriteMatrix(ctx, Input{DatasetName: "clin", MatrixSource: src})
	require.NoError(t, err)

	var codeCount int
	require.NoError(t, s.WriteDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM code WHERE field_id = (SELECT id FROM field WHERE name = 'gender')`).Scan(&codeCount))
	require.Equal(t, 2, codeCount)
}

func TestWriteMatrixUnknownValueTypeIsWarned(t *testing.T) {
	l, _ := newTestLoader(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{
		{Name: "weird", ValueType: 99, Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			return matrix.NewSliceRowIterator(nil), nil
		}},
	})

	res, err := l.WriteMatrix(ctx, Input{DatasetName: "oddities", MatrixSource: src})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
}

func fileRefFromString(name, content string) matrix.FileRef {
	return matrix.FileRef{
		Name:  name,
		Mtime: 1,
		Open:  func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
}
