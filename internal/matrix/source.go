// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package matrix declares the MatrixSource contract consumed by the
// loader. File-format detection and parsing (TSV, cgdata JSON+TSV,
// probemap, clinical) are external collaborators: this package only
// defines the interfaces a detector/parser must satisfy.
package matrix

import (
	"context"
	"io"
)

// ValueType tags how a Field's row values should be interpreted and
// dispatches the loader's per-field insert path.
type ValueType int

const (
	// Float is the default: each row is a single float64 score.
	Float ValueType = iota
	// Category: each row is a string, mapped to an integer ordering.
	Category
	// Position: each row is a genomic interval.
	Position
	// Genes: each row is a list of gene symbols.
	Genes
)

func (t ValueType) String() string {
	switch t {
	case Float:
		return "float"
	case Category:
		return "category"
	case Position:
		return "position"
	case Genes:
		return "genes"
	default:
		return "unknown"
	}
}

// PositionValue is one row of a position-valued field.
type PositionValue struct {
	Chrom      string
	ChromStart int64
	ChromEnd   int64
	Strand     string
}

// RowValue is one decoded row of a Field. Exactly one field is set,
// selected by the owning Field's ValueType.
type RowValue struct {
	Float    float64       // Float
	Category string        // Category (raw string; ordering is assigned by the loader)
	Position PositionValue // Position
	Genes    []string      // Genes
	Null     bool          // true if this row has no value (e.g. a blank TSV cell)
}

// RowIterator streams a single field's row values in storage order. It
// MUST be consumed exactly once; the loader never rewinds or replays it.
type RowIterator interface {
	// Next advances to the next row, returning false at end of stream or
	// on error (check Err() to distinguish the two).
	Next(ctx context.Context) bool
	// Value returns the current row's value. Only valid after Next
	// returns true.
	Value() RowValue
	// Err returns the first error encountered, if any.
	Err() error
}

// Feature carries the optional metadata the loader writes to the
// `feature` and (for category fields) `code` tables.
type Feature struct {
	ShortTitle string
	LongTitle  string
	Priority   float64
	Visibility string
	// Order, if non-nil, is a caller-precomputed value->ordering map for
	// a category field. If nil, the loader infers one by first-seen
	// insertion order over the field's rows.
	Order map[string]int
}

// Field is one column of a dataset as produced by a MatrixSource. Rows
// is a deferred producer: it must be callable exactly once, and the
// loader does not retain the sequence after consuming it.
type Field struct {
	Name      string
	ValueType ValueType
	// Rows realizes the row iterator for this field. Called at most
	// once by the loader.
	Rows func(ctx context.Context) (RowIterator, error)
	// Feature realizes this field's optional Feature metadata. May be
	// nil if the field carries no feature metadata (e.g. most genomic
	// score fields).
	Feature func(ctx context.Context) (*Feature, error)
}

// Source is a factory producing a finite lazy sequence of Fields. A
// detector/parser implements this to hand a parsed file to the loader
// without materializing every row upfront.
type Source interface {
	// Fields returns the next Field in the sequence, or ok=false at end
	// of stream.
	Fields(ctx context.Context) (field Field, ok bool, err error)
}

// FileRef describes one physical input file contributing to a load: a
// matrix TSV and an optional cgdata sidecar JSON both appear as
// separate FileRefs for the same dataset. Open is called by the loader
// to compute the file's content hash; it is not retained afterward.
type FileRef struct {
	Name  string
	Mtime int64
	Open  func() (io.ReadCloser, error)
}

// SliceSource adapts a pre-built []Field into a Source, useful for tests
// and for small in-memory matrices.
type SliceSource struct {
	fields []Field
	idx    int
}

func NewSliceSource(fields []Field) *SliceSource {
	return &SliceSource{fields: fields}
}

func (s *SliceSource) Fields(ctx context.Context) (Field, bool, error) {
	if s.idx >= len(s.fields) {
		return Field{}, false, nil
	}
	f := s.fields[s.idx]
	s.idx++
	return f, true, nil
}

// SliceRowIterator adapts a pre-built []RowValue into a RowIterator.
type SliceRowIterator struct {
	rows []RowValue
	idx  int
}

func NewSliceRowIterator(rows []RowValue) *SliceRowIterator {
	return &SliceRowIterator{rows: rows, idx: -1}
}

func (it *SliceRowIterator) Next(ctx context.Context) bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *SliceRowIterator) Value() RowValue { return it.rows[it.idx] }

func (it *SliceRowIterator) Err() error { return nil }
