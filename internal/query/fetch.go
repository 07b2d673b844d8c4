// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"database/sql"
	"math"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/codec"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// sampleIDField is the conventional category field name holding each
// storage row's sample identifier.
const sampleIDField = "sampleID"

// FetchRequest asks for a dense slice of values per column, for a fixed
// ordered (possibly duplicated) list of samples.
type FetchRequest struct {
	Dataset string
	Columns []string
	Samples []string
}

// FetchResult mirrors FetchRequest with Data populated: one []float32
// per column that existed in the dataset, each of length
// len(FetchRequest.Samples), NaN where no value was found. Columns
// absent from the dataset are omitted entirely, not NaN-filled.
type FetchResult struct {
	Dataset string
	Columns []string
	Samples []string
	Data    map[string][]float32
}

// DBCodeResolver implements cache.CodeResolver against the `code` table.
type DBCodeResolver struct {
	DB *sql.DB
}

func (r *DBCodeResolver) ResolveCode(ctx context.Context, fieldID int64, ordering int64) (string, bool, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM code WHERE field_id = ? AND ordering = ?`, fieldID, ordering).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.WrapCode(xerrors.Io, err)
	}
	return value, true, nil
}

// Fetcher executes genomic fetch requests against one dataset store.
type Fetcher struct {
	DB    *sql.DB
	Cache *cache.SegmentCache
	Codes *DBCodeResolver
}

func NewFetcher(db *sql.DB, segCache *cache.SegmentCache) *Fetcher {
	return &Fetcher{DB: db, Cache: segCache, Codes: &DBCodeResolver{DB: db}}
}

// Fetch resolves req's sample list to storage rows, reads the minimal
// set of segments those rows fall in, and scatters the decoded values
// into dense, NaN-filled, request-ordered output buffers per column.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	datasetID, err := f.resolveDataset(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	sampleFieldID, err := f.resolveField(ctx, datasetID, sampleIDField)
	if err != nil {
		return nil, err
	}
	if sampleFieldID == 0 {
		return nil, xerrors.Newf(xerrors.Schema, "dataset %q has no %s field", req.Dataset, sampleIDField)
	}

	sampleToOrdering, err := f.codeMap(ctx, sampleFieldID)
	if err != nil {
		return nil, err
	}

	// storageRow for each requested output position; -1 means "no row".
	orderingToRow, err := f.scanSampleRows(ctx, sampleFieldID, sampleToOrdering)
	if err != nil {
		return nil, err
	}

	outputRows := make([]int64, len(req.Samples))
	for i, s := range req.Samples {
		ordinal, ok := sampleToOrdering[s]
		if !ok {
			outputRows[i] = -1
			continue
		}
		row, ok := orderingToRow[ordinal]
		if !ok {
			outputRows[i] = -1
			continue
		}
		outputRows[i] = row
	}

	existingColumns, fieldIDs, err := f.resolveExistingColumns(ctx, datasetID, req.Columns)
	if err != nil {
		return nil, err
	}
	if len(existingColumns) == 0 {
		return &FetchResult{Dataset: req.Dataset, Columns: req.Columns, Samples: req.Samples, Data: map[string][]float32{}}, nil
	}

	// segKey -> offset -> output positions (duplicates collapse into one slice).
	type segKey struct {
		fieldID int64
		segIdx  int64
	}
	positionsBySegment := map[segKey]map[int64][]int{}
	distinctSegIdx := map[int64]bool{}
	for outPos, row := range outputRows {
		if row < 0 {
			continue
		}
		segIdx := row / codec.SegmentSize
		offset := row % codec.SegmentSize
		distinctSegIdx[segIdx] = true
		for _, fieldID := range fieldIDs {
			key := segKey{fieldID: fieldID, segIdx: segIdx}
			if positionsBySegment[key] == nil {
				positionsBySegment[key] = map[int64][]int{}
			}
			positionsBySegment[key][offset] = append(positionsBySegment[key][offset], outPos)
		}
	}

	data := make(map[string][]float32, len(existingColumns))
	for _, col := range existingColumns {
		buf := make([]float32, len(req.Samples))
		for i := range buf {
			buf[i] = float32(math.NaN())
		}
		data[col] = buf
	}

	for i, col := range existingColumns {
		fieldID := fieldIDs[i]
		for segIdx := range distinctSegIdx {
			key := segKey{fieldID: fieldID, segIdx: segIdx}
			offsets, ok := positionsBySegment[key]
			if !ok {
				continue
			}
			values, ok, err := f.Cache.Get(ctx, fieldID, segIdx)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for offset, outPositions := range offsets {
				if offset >= int64(len(values)) {
					continue
				}
				v := values[offset]
				for _, outPos := range outPositions {
					data[col][outPos] = v
				}
			}
		}
	}

	return &FetchResult{Dataset: req.Dataset, Columns: existingColumns, Samples: req.Samples, Data: data}, nil
}

func (f *Fetcher) resolveDataset(ctx context.Context, name string) (int64, error) {
	var id int64
	err := f.DB.QueryRowContext(ctx, `SELECT id FROM dataset WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, xerrors.Newf(xerrors.Schema, "unknown dataset %q", name)
	}
	if err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	return id, nil
}

func (f *Fetcher) resolveField(ctx context.Context, datasetID int64, name string) (int64, error) {
	var id int64
	err := f.DB.QueryRowContext(ctx, `SELECT id FROM field WHERE dataset_id = ? AND name = ?`, datasetID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	return id, nil
}

// resolveExistingColumns preserves req order but drops any column name
// with no backing field: a requested column absent from the dataset is
// omitted from the result entirely rather than NaN-filled.
func (f *Fetcher) resolveExistingColumns(ctx context.Context, datasetID int64, names []string) ([]string, []int64, error) {
	var cols []string
	var ids []int64
	for _, name := range names {
		id, err := f.resolveField(ctx, datasetID, name)
		if err != nil {
			return nil, nil, err
		}
		if id == 0 {
			continue
		}
		cols = append(cols, name)
		ids = append(ids, id)
	}
	return cols, ids, nil
}

func (f *Fetcher) codeMap(ctx context.Context, fieldID int64) (map[string]int64, error) {
	rows, err := f.DB.QueryContext(ctx, `SELECT ordering, value FROM code WHERE field_id = ?`, fieldID)
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var ordering int64
		var value string
		if err := rows.Scan(&ordering, &value); err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		out[value] = ordering
	}
	return out, xerrors.WrapCode(xerrors.Io, rows.Err())
}

// scanSampleRows decodes every segment of the sampleID field and
// returns, for each ordering of interest, the first storage row whose
// decoded value matches it. Only orderings that appear in wanted are
// tracked.
func (f *Fetcher) scanSampleRows(ctx context.Context, sampleFieldID int64, wanted map[string]int64) (map[int64]int64, error) {
	wantOrderings := map[int64]bool{}
	for _, ord := range wanted {
		wantOrderings[ord] = true
	}

	result := map[int64]int64{}
	if len(wantOrderings) == 0 {
		return result, nil
	}

	for segIdx := int64(0); ; segIdx++ {
		segment, ok, err := f.Cache.Get(ctx, sampleFieldID, segIdx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return result, nil
		}
		for offset, v := range segment {
			if codec.IsMissing(v) {
				continue
			}
			ordinal := int64(v)
			if !wantOrderings[ordinal] {
				continue
			}
			if _, seen := result[ordinal]; seen {
				continue
			}
			result[ordinal] = segIdx*codec.SegmentSize + int64(offset)
		}
	}
}
