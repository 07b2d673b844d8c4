// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prertik/ucsc-xena-server/internal/loader"
	"github.com/prertik/ucsc-xena-server/internal/matrix"
	"github.com/prertik/ucsc-xena-server/internal/query"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), ":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func sampleField(names ...string) matrix.Field {
	return matrix.Field{
		Name:      "sampleID",
		ValueType: matrix.Category,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			rows := make([]matrix.RowValue, len(names))
			for i, n := range names {
				rows[i] = matrix.RowValue{Category: n}
			}
			return matrix.NewSliceRowIterator(rows), nil
		},
	}
}

func scoreField(name string, values ...float64) matrix.Field {
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

// TestFetchScatteredSamples builds a 10-sample dataset and fetches an
// out-of-order, partly-unknown sample list against one probe.
func TestFetchScatteredSamples(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	names := make([]string, 10)
	probe2 := make([]float64, 10)
	for i := range names {
		names[i] = "sample" + strconv.Itoa(i+1)
		probe2[i] = float64(i) + 0.5
	}

	src := matrix.NewSliceSource([]matrix.Field{
		sampleField(names...),
		scoreField("probe2", probe2...),
	})

	_, err := e.WriteMatrix(ctx, loader.Input{DatasetName: "tenSamples", MatrixSource: src})
	require.NoError(t, err)

	results, err := e.Fetch(ctx, []query.FetchRequest{{
		Dataset: "tenSamples",
		Columns: []string{"probe2"},
		Samples: []string{"sample3", "sampleX", "sample1"},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	data := results[0].Data["probe2"]
	require.Len(t, data, 3)
	require.InDelta(t, probe2[2], data[0], 1e-6)
	require.True(t, math.IsNaN(float64(data[1])))
	require.InDelta(t, probe2[0], data[2], 1e-6)
}

func TestFetchOmitsNonexistentColumn(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{
		sampleField("a", "b"),
		scoreField("probe1", 1, 2),
	})
	_, err := e.WriteMatrix(ctx, loader.Input{DatasetName: "ds", MatrixSource: src})
	require.NoError(t, err)

	results, err := e.Fetch(ctx, []query.FetchRequest{{
		Dataset: "ds",
		Columns: []string{"probe1", "doesNotExist"},
		Samples: []string{"a", "b"},
	}})
	require.NoError(t, err)
	_, ok := results[0].Data["doesNotExist"]
	require.False(t, ok)
	require.Contains(t, results[0].Data, "probe1")
}

func TestRunQueryListsFieldsInInsertOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{
		sampleField("sample1", "sample2"),
		scoreField("probe1", 1.1, 1.2),
		scoreField("probe2", 2.1, 2.2),
	})
	_, err := e.WriteMatrix(ctx, loader.Input{DatasetName: "id1", MatrixSource: src})
	require.NoError(t, err)

	rows, err := e.RunQuery(ctx, query.Query{
		Select:  []query.Column{{Name: "name"}},
		From:    "field",
		OrderBy: []query.OrderTerm{{Column: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "sampleID", rows[0]["name"])
	require.Equal(t, "probe1", rows[1]["name"])
	require.Equal(t, "probe2", rows[2]["name"])
}

func TestDeleteMatrixRemovesDataset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := matrix.NewSliceSource([]matrix.Field{sampleField("a"), scoreField("probe1", 1)})
	_, err := e.WriteMatrix(ctx, loader.Input{DatasetName: "gone", MatrixSource: src})
	require.NoError(t, err)

	require.NoError(t, e.DeleteMatrix(ctx, "gone"))

	rows, err := e.RunQuery(ctx, query.Query{
		Select: []query.Column{{Name: "name"}},
		From:   "dataset",
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}
