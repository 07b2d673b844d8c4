// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package genomic_test

import (
	"testing"

	"github.com/prertik/ucsc-xena-server/internal/genomic"
	"github.com/stretchr/testify/require"
)

func TestBinIsDeterministic(t *testing.T) {
	b1 := genomic.Bin(1000, 2000)
	b2 := genomic.Bin(1000, 2000)
	require.Equal(t, b1, b2)
}

func TestBinFinerForSmallerIntervals(t *testing.T) {
	// A tiny interval entirely within one 128Kb bucket gets the finest
	// (largest-offset) bin; a huge interval spanning many buckets gets
	// a coarser (smaller-offset) bin.
	small := genomic.Bin(0, 10)
	large := genomic.Bin(0, 1<<30)
	require.Greater(t, small, large)
}

func TestOverlappingBinsContainsExactBin(t *testing.T) {
	start, end := int64(5_000_000), int64(5_001_000)
	exact := genomic.Bin(start, end)
	overlaps := genomic.OverlappingBins(start, end)
	require.Contains(t, overlaps, exact)
}

func TestBinZeroLengthIntervalTreatedAsOneBase(t *testing.T) {
	require.Equal(t, genomic.Bin(100, 100), genomic.Bin(100, 101))
}
