// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package detect

import (
	"context"
	"fmt"

	"github.com/prertik/ucsc-xena-server/internal/matrix"
)

// Synthesize builds an in-memory genomic matrix.Source with the given
// number of samples and probes, for the CLI's `-t name samples probes`
// self-test mode. Values are deterministic: probe i, sample j gets
// value i + j/1000.
func Synthesize(samples, probes int) matrix.Source {
	sampleNames := make([]string, samples)
	for j := range sampleNames {
		sampleNames[j] = fmt.Sprintf("sample%d", j)
	}

	fields := make([]matrix.Field, 0, probes+1)
	fields = append(fields, matrix.Field{
		Name:      "sampleID",
		ValueType: matrix.Category,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			rows := make([]matrix.RowValue, samples)
			for j, name := range sampleNames {
				rows[j] = matrix.RowValue{Category: name}
			}
			return matrix.NewSliceRowIterator(rows), nil
		},
	})

	for i := 0; i < probes; i++ {
		probeIdx := i
		fields = append(fields, matrix.Field{
			Name:      fmt.Sprintf("probe%d", i),
			ValueType: matrix.Float,
			Rows: func(ctx context.Context) (matrix.RowIterator, error) {
				rows := make([]matrix.RowValue, samples)
				for j := range rows {
					rows[j] = matrix.RowValue{Float: float64(probeIdx) + float64(j)/1000}
				}
				return matrix.NewSliceRowIterator(rows), nil
			},
		})
	}

	return matrix.NewSliceSource(fields)
}
