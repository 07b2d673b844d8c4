// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package genomic computes UCSC-style hierarchical bins for genomic
// intervals, used to index field_position rows for overlap queries.
package genomic

// binOffsetsByFineness are the first bin id at each level, finest extent
// (128Kb) first, coarsest (the whole-chromosome catch-all) last. Values
// come from the standard (non-extended) UCSC binning scheme's offsets
// {0, 1, 9, 73, 585, 4681}, reversed so index 0 is the level actually
// checked first.
var binOffsetsByFineness = [6]uint64{4681, 585, 73, 9, 1, 0}

// binFirstShift is the bit shift of the finest bin (128Kb).
const binFirstShift = 17

// binNextShift is the additional shift per level (8x coarser).
const binNextShift = 3

// Bin returns the smallest UCSC bin whose extent fully contains
// [start, end). start and end are 0-based, end-exclusive, matching the
// field_position.chromStart/chromEnd columns. Bins must be computed
// identically on insert and on query; the loader calls Bin for every
// field_position row it inserts.
func Bin(start, end int64) uint64 {
	if end <= start {
		end = start + 1
	}
	for level, offset := range binOffsetsByFineness {
		shift := uint(binFirstShift + level*binNextShift)
		s := uint64(start) >> shift
		e := uint64(end-1) >> shift
		if s == e {
			return offset + s
		}
	}
	// Interval wider than the coarsest level; fall back to the single
	// whole-chromosome catch-all bin.
	return binOffsetsByFineness[len(binOffsetsByFineness)-1]
}

// OverlappingBins enumerates every bin that could contain a row
// overlapping [start, end), across all six levels, for a
// `WHERE bin IN (...)` clause; Bin alone is not enough for range
// queries because a query interval can overlap rows whose single bin is
// coarser than the query's own bin.
func OverlappingBins(start, end int64) []uint64 {
	if end <= start {
		end = start + 1
	}
	var bins []uint64
	for level, offset := range binOffsetsByFineness {
		shift := uint(binFirstShift + level*binNextShift)
		startBin := offset + (uint64(start) >> shift)
		endBin := offset + (uint64(end-1) >> shift)
		for b := startBin; b <= endBin; b++ {
			bins = append(bins, b)
		}
	}
	return bins
}
