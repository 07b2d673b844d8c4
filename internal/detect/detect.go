// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package detect implements the file-type detector: given one or more
// physical files, it classifies them (genomic matrix, clinical matrix,
// or probemap, optionally paired with a cgdata JSON sidecar) and
// returns a deferred matrix.Source realizing the parse.
package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/prertik/ucsc-xena-server/internal/loader"
	"github.com/prertik/ucsc-xena-server/internal/matrix"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// FileType tags the recognized shapes a detector can report.
type FileType string

const (
	GenomicMatrix  FileType = "genomicMatrix"
	ClinicalMatrix FileType = "clinicalMatrix"
	ProbeMap       FileType = "probeMap"
)

// Result bundles the detected type, the deferred MatrixSource, and any
// dataset metadata recovered from a cgdata JSON sidecar.
type Result struct {
	FileType FileType
	Source   matrix.Source
	Metadata loader.Metadata
}

// Detect classifies refs (the primary tabular file, plus an optional
// cgdata JSON sidecar with a matching base name) and realizes a
// matrix.Source lazily. Detect itself reads the sidecar and, for a
// non-probemap input, the primary file's header line; the body rows are
// parsed only when Fields or a Rows producer is invoked.
func Detect(refs []matrix.FileRef, asProbemap bool) (*Result, error) {
	primary, sidecar, err := splitSidecar(refs)
	if err != nil {
		return nil, err
	}

	var md loader.Metadata
	if sidecar != nil {
		md, err = parseSidecar(*sidecar)
		if err != nil {
			return nil, err
		}
	}

	if asProbemap {
		src := &probemapSource{open: primary.Open}
		return &Result{FileType: ProbeMap, Source: src, Metadata: md}, nil
	}

	header, err := readHeader(primary)
	if err != nil {
		return nil, err
	}

	src := &tsvMatrixSource{open: primary.Open, samples: header}
	fileType := GenomicMatrix
	if strings.Contains(strings.ToLower(primary.Name), "clinical") {
		fileType = ClinicalMatrix
	}
	return &Result{FileType: fileType, Source: src, Metadata: md}, nil
}

func splitSidecar(refs []matrix.FileRef) (primary matrix.FileRef, sidecar *matrix.FileRef, err error) {
	if len(refs) == 0 {
		return matrix.FileRef{}, nil, xerrors.New(xerrors.Input, "no input files given")
	}
	for i := range refs {
		if strings.HasSuffix(strings.ToLower(refs[i].Name), ".json") {
			sidecar = &refs[i]
			continue
		}
		primary = refs[i]
	}
	if primary.Name == "" {
		return matrix.FileRef{}, nil, xerrors.New(xerrors.Input, "no non-JSON primary file among inputs")
	}
	return primary, sidecar, nil
}

func parseSidecar(ref matrix.FileRef) (loader.Metadata, error) {
	rc, err := ref.Open()
	if err != nil {
		return loader.Metadata{}, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return loader.Metadata{}, xerrors.WrapCode(xerrors.Io, err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return loader.Metadata{}, xerrors.Newf(xerrors.Input, "cgdata sidecar %s: %v", ref.Name, err)
	}

	md := loader.Metadata{}
	strField := func(key string) *string {
		if v, ok := raw[key].(string); ok {
			return &v
		}
		return nil
	}
	md.Type = strField("type")
	md.DataSubType = strField("dataSubType")
	md.Platform = strField("platform")
	md.Cohort = strField("cohort")
	md.ShortTitle = strField("shortTitle")
	md.LongTitle = strField("longTitle")
	md.GroupTitle = strField("groupTitle")
	md.ProbeMap = strField("probeMap")
	md.Security = strField("security")
	rawText := string(b)
	md.RawMetadataJSON = &rawText
	return md, nil
}

func readHeader(ref matrix.FileRef) ([]string, error) {
	rc, err := ref.Open()
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return nil, xerrors.Newf(xerrors.Input, "%s: empty file", ref.Name)
	}
	fields := strings.Split(scanner.Text(), "\t")
	if len(fields) < 2 {
		return nil, xerrors.Newf(xerrors.Input, "%s: header has no sample columns", ref.Name)
	}
	return fields[1:], nil
}

// tsvMatrixSource parses a xena-style TSV: header row of sample names,
// then one row per probe (name, then one value per sample). The
// sampleID field is synthesized as the first field so row indices line
// up with every subsequent field's row order.
type tsvMatrixSource struct {
	open    func() (io.ReadCloser, error)
	samples []string

	emittedSampleID bool
	rc              io.ReadCloser
	scanner         *bufio.Scanner
}

func (s *tsvMatrixSource) Fields(ctx context.Context) (matrix.Field, bool, error) {
	if !s.emittedSampleID {
		s.emittedSampleID = true
		samples := s.samples
		return matrix.Field{
			Name:      "sampleID",
			ValueType: matrix.Category,
			Rows: func(ctx context.Context) (matrix.RowIterator, error) {
				rows := make([]matrix.RowValue, len(samples))
				for i, name := range samples {
					rows[i] = matrix.RowValue{Category: name}
				}
				return matrix.NewSliceRowIterator(rows), nil
			},
		}, true, nil
	}

	if s.rc == nil {
		rc, err := s.open()
		if err != nil {
			return matrix.Field{}, false, xerrors.WrapCode(xerrors.Io, err)
		}
		s.rc = rc
		s.scanner = bufio.NewScanner(rc)
		s.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		if !s.scanner.Scan() {
			return matrix.Field{}, false, xerrors.Newf(xerrors.Input, "empty matrix body")
		}
	}

	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return matrix.Field{}, false, xerrors.WrapCode(xerrors.Io, err)
		}
		_ = s.rc.Close()
		return matrix.Field{}, false, nil
	}

	cols := strings.Split(s.scanner.Text(), "\t")
	name := cols[0]
	rawValues := append([]string(nil), cols[1:]...)
	it, valueType := newRowValueIterator(rawValues)

	field := matrix.Field{
		Name:      name,
		ValueType: valueType,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			return it, nil
		},
	}
	return field, true, nil
}

// newRowValueIterator classifies the column as Float unless any entry
// fails to parse, in which case values are exposed as Category strings
// and the reported type is Category, so loadCategoryField in the loader
// package infers the order.
func newRowValueIterator(raw []string) (matrix.RowIterator, matrix.ValueType) {
	allNumeric := true
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "NA") || strings.EqualFold(v, "NaN") {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			allNumeric = false
			break
		}
	}

	rows := make([]matrix.RowValue, len(raw))
	for i, v := range raw {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" || strings.EqualFold(trimmed, "NA") || strings.EqualFold(trimmed, "NaN") {
			rows[i] = matrix.RowValue{Null: true}
			continue
		}
		if allNumeric {
			f, _ := strconv.ParseFloat(trimmed, 64)
			rows[i] = matrix.RowValue{Float: f}
		} else {
			rows[i] = matrix.RowValue{Category: trimmed}
		}
	}
	if allNumeric {
		return matrix.NewSliceRowIterator(rows), matrix.Float
	}
	return matrix.NewSliceRowIterator(rows), matrix.Category
}

// probemapSource parses a xena probemap: name, chrom, chromStart,
// chromEnd, strand, and an optional comma-separated gene list, one row
// per probe. It emits a position field and a genes field sharing the
// same row order.
type probemapSource struct {
	open func() (io.ReadCloser, error)
	idx  int
}

func (s *probemapSource) Fields(ctx context.Context) (matrix.Field, bool, error) {
	if s.idx >= 2 {
		return matrix.Field{}, false, nil
	}
	s.idx++

	if s.idx == 1 {
		return matrix.Field{
			Name:      "position",
			ValueType: matrix.Position,
			Rows: func(ctx context.Context) (matrix.RowIterator, error) {
				return s.parsePositions()
			},
		}, true, nil
	}
	return matrix.Field{
		Name:      "gene",
		ValueType: matrix.Genes,
		Rows: func(ctx context.Context) (matrix.RowIterator, error) {
			return s.parseGenes()
		},
	}, true, nil
}

func (s *probemapSource) parsePositions() (matrix.RowIterator, error) {
	lines, err := s.readDataLines()
	if err != nil {
		return nil, err
	}
	rows := make([]matrix.RowValue, len(lines))
	for i, cols := range lines {
		if len(cols) < 5 {
			return nil, xerrors.Newf(xerrors.Input, "probemap row %d: expected at least 5 columns, got %d", i, len(cols))
		}
		start, err := strconv.ParseInt(cols[2], 10, 64)
		if err != nil {
			return nil, xerrors.Newf(xerrors.Input, "probemap row %d: bad chromStart %q", i, cols[2])
		}
		end, err := strconv.ParseInt(cols[3], 10, 64)
		if err != nil {
			return nil, xerrors.Newf(xerrors.Input, "probemap row %d: bad chromEnd %q", i, cols[3])
		}
		rows[i] = matrix.RowValue{Position: matrix.PositionValue{
			Chrom:      cols[1],
			ChromStart: start,
			ChromEnd:   end,
			Strand:     cols[4],
		}}
	}
	return matrix.NewSliceRowIterator(rows), nil
}

func (s *probemapSource) parseGenes() (matrix.RowIterator, error) {
	lines, err := s.readDataLines()
	if err != nil {
		return nil, err
	}
	rows := make([]matrix.RowValue, len(lines))
	for i, cols := range lines {
		var genes []string
		if len(cols) >= 6 && cols[5] != "" {
			genes = strings.Split(cols[5], ",")
		}
		rows[i] = matrix.RowValue{Genes: genes}
	}
	return matrix.NewSliceRowIterator(rows), nil
}

func (s *probemapSource) readDataLines() ([][]string, error) {
	rc, err := s.open()
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines [][]string
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		lines = append(lines, strings.Split(text, "\t"))
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	return lines, nil
}
