// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package loader consumes a matrix.Source row stream and ingests it
// into the schema owned by the store package, with idempotent
// semantics (skip-on-unchanged-source-hash), per-field value-type
// dispatch, and categorical-code inference.
package loader

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/codec"
	"github.com/prertik/ucsc-xena-server/internal/genomic"
	"github.com/prertik/ucsc-xena-server/internal/lifecycle"
	"github.com/prertik/ucsc-xena-server/internal/logger"
	"github.com/prertik/ucsc-xena-server/internal/matrix"
	"github.com/prertik/ucsc-xena-server/internal/store"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// insertBatchSize is the number of individual insert operations grouped
// into a single sub-transaction.
const insertBatchSize = 1000

// Metadata holds the normalized dataset metadata columns. A nil field
// means "leave the existing value alone" on update (merge_m_ent never
// deletes a key absent from the input); RawMetadataJSON, if non-nil,
// replaces the stored raw JSON text outright.
type Metadata struct {
	ProbeMap        *string
	ShortTitle      *string
	LongTitle       *string
	GroupTitle      *string
	Platform        *string
	Cohort          *string
	Security        *string
	DataSubType     *string
	Type            *string
	RawMetadataJSON *string
}

// Input is the loader's entry point argument: the dataset name, its
// contributing source files, normalized metadata, the row stream to
// ingest, and whether to force a reload even if sources are unchanged.
type Input struct {
	DatasetName  string
	Sources      []matrix.FileRef
	Metadata     Metadata
	MatrixSource matrix.Source
	Force        bool
}

// Result is returned on a successful WriteMatrix call.
type Result struct {
	RowCount int64
	Warnings []string
}

// Loader owns the write connection, id allocators, and segment cache
// used while ingesting a dataset.
type Loader struct {
	Store      *store.Store
	FieldIDs   *store.IDAllocator
	FeatureIDs *store.IDAllocator
	Cache      *cache.SegmentCache
	Log        logger.Logger
}

// New returns a Loader wired to s, allocating FIELD_IDS/FEATURE_IDS
// sequences with a cache block large enough that id allocation never
// dominates the insert rate.
func New(s *store.Store, segCache *cache.SegmentCache, log logger.Logger) *Loader {
	if log == nil {
		log = logger.NopLogger
	}
	return &Loader{
		Store:      s,
		FieldIDs:   store.NewIDAllocator(s.WriteDB, "FIELD_IDS", store.DefaultSequenceCache),
		FeatureIDs: store.NewIDAllocator(s.WriteDB, "FEATURE_IDS", store.DefaultSequenceCache),
		Cache:      segCache,
		Log:        log,
	}
}

type sourceKey struct {
	name  string
	mtime int64
	hash  string
}

// WriteMatrix ingests in.MatrixSource into the dataset named
// in.DatasetName.
func (l *Loader) WriteMatrix(ctx context.Context, in Input) (*Result, error) {
	db := l.Store.WriteDB

	loadID := uuid.New().String()
	l.Log.Infof("write_matrix %s: starting dataset=%q", loadID, in.DatasetName)

	datasetID, err := l.upsertDatasetHeader(ctx, db, in.DatasetName, in.Metadata)
	if err != nil {
		return nil, err
	}
	if err := l.setStatus(ctx, db, datasetID, "loading"); err != nil {
		return nil, err
	}

	newSources, err := hashSources(in.Sources)
	if err != nil {
		return nil, err
	}
	oldSources, err := l.readOldSources(ctx, db, datasetID)
	if err != nil {
		return nil, err
	}

	// A load with no source files (an in-memory matrix) has no hash to
	// compare against, so it always proceeds to a full load.
	if !in.Force && len(newSources) > 0 && sameSourceSet(newSources, oldSources) {
		rowCount, err := l.currentRowCount(ctx, db, datasetID)
		if err != nil {
			return nil, err
		}
		if err := l.setStatus(ctx, db, datasetID, "loaded"); err != nil {
			return nil, err
		}
		return &Result{RowCount: rowCount}, nil
	}

	if err := lifecycle.ClearByExp(ctx, db, datasetID); err != nil {
		return nil, err
	}
	if l.Cache != nil {
		l.Cache.Purge()
	}
	if err := l.replaceSources(ctx, db, datasetID, newSources); err != nil {
		return nil, err
	}

	var warnings []string
	maxRowCount := int64(0)

	for {
		field, ok, err := in.MatrixSource.Fields(ctx)
		if err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		if !ok {
			break
		}

		rowCount, warn, err := l.loadField(ctx, datasetID, field)
		if err != nil {
			return nil, err
		}
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if rowCount > maxRowCount {
			maxRowCount = rowCount
		}
	}

	if err := l.finish(ctx, db, datasetID, maxRowCount, warnings); err != nil {
		return nil, err
	}

	l.Log.Infof("write_matrix %s: done dataset=%q rows=%d warnings=%d", loadID, in.DatasetName, maxRowCount, len(warnings))
	return &Result{RowCount: maxRowCount, Warnings: warnings}, nil
}

// loadField dispatches a single field by ValueType and returns the
// field's row count (or 0 plus a warning for an unrecognized type).
func (l *Loader) loadField(ctx context.Context, datasetID int64, field matrix.Field) (rowCount int64, warning string, err error) {
	fieldID, err := l.FieldIDs.Next(ctx)
	if err != nil {
		return 0, "", err
	}

	if err := l.insertOne(ctx, `INSERT INTO field (id, dataset_id, name) VALUES (?, ?, ?)`, fieldID, datasetID, field.Name); err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Integrity, err)
	}

	switch field.ValueType {
	case matrix.Float:
		return l.loadScoreField(ctx, fieldID, field, nil)
	case matrix.Category:
		return l.loadCategoryField(ctx, fieldID, field)
	case matrix.Position:
		return l.loadPositionField(ctx, fieldID, field)
	case matrix.Genes:
		return l.loadGenesField(ctx, fieldID, field)
	default:
		warning = "field " + field.Name + ": unrecognized value type, skipped"
		l.Log.Warnf("%s", warning)
		return 0, warning, nil
	}
}

// loadScoreField segments a plain numeric field's rows into chunks of
// codec.SegmentSize and inserts field_score rows. If order is non-nil,
// each row's Category string is first translated via order before
// segmenting (the category path, which reuses this function).
func (l *Loader) loadScoreField(ctx context.Context, fieldID int64, field matrix.Field, order map[string]int) (int64, string, error) {
	it, err := field.Rows(ctx)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}

	var segment []float32
	var i int64
	var total int64
	ops := 0
	tx, err := l.Store.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	commitBatch := func() error {
		if ops == 0 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		ops = 0
		newTx, err := l.Store.WriteDB.BeginTx(ctx, nil)
		if err != nil {
			// tx is already committed; a later Rollback() on it is a
			// harmless no-op (sql.ErrTxDone), so leave it in place.
			return xerrors.WrapCode(xerrors.Io, err)
		}
		tx = newTx
		return nil
	}
	flushSegment := func() error {
		if len(segment) == 0 {
			return nil
		}
		payload := codec.Encode(segment)
		if _, err := tx.ExecContext(ctx, `INSERT INTO field_score (field_id, i, payload) VALUES (?, ?, ?)`, fieldID, i, payload); err != nil {
			return xerrors.WrapCode(xerrors.Integrity, err)
		}
		i++
		ops++
		total += int64(len(segment))
		segment = segment[:0]
		if ops >= insertBatchSize {
			return commitBatch()
		}
		return nil
	}

	for it.Next(ctx) {
		v := it.Value()
		var f float32
		switch {
		case order != nil:
			if v.Null || v.Category == "" {
				f = codec.Missing
			} else if ordv, ok := order[v.Category]; ok {
				f = float32(ordv)
			} else {
				f = codec.Missing
			}
		case v.Null:
			f = codec.Missing
		default:
			f = float32(v.Float)
		}
		segment = append(segment, f)
		if len(segment) == codec.SegmentSize {
			if err := flushSegment(); err != nil {
				_ = tx.Rollback()
				return 0, "", err
			}
		}
	}
	if err := it.Err(); err != nil {
		_ = tx.Rollback()
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	if err := flushSegment(); err != nil {
		_ = tx.Rollback()
		return 0, "", err
	}
	if ops > 0 {
		if err := tx.Commit(); err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
	} else {
		_ = tx.Rollback()
	}

	return total, "", nil
}

// loadCategoryField determines the order map (caller-supplied or
// first-seen insertion order), writes the feature + code rows, then
// reuses loadScoreField to segment the translated orderings.
func (l *Loader) loadCategoryField(ctx context.Context, fieldID int64, field matrix.Field) (int64, string, error) {
	var feat *matrix.Feature
	if field.Feature != nil {
		f, err := field.Feature(ctx)
		if err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
		feat = f
	}

	order := map[string]int{}
	if feat != nil && feat.Order != nil {
		order = feat.Order
	} else {
		// First-seen insertion order requires a first pass over the
		// rows; Rows() may only be called once, so we materialize the
		// category strings here and segment from the materialized
		// slice below instead of re-invoking field.Rows.
		it, err := field.Rows(ctx)
		if err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
		var seen []string
		for it.Next(ctx) {
			v := it.Value()
			if v.Null || v.Category == "" {
				seen = append(seen, "")
				continue
			}
			if _, ok := order[v.Category]; !ok {
				order[v.Category] = len(order)
			}
			seen = append(seen, v.Category)
		}
		if err := it.Err(); err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
		field = withMaterializedCategoryRows(field, seen)
	}

	featureID, err := l.FeatureIDs.Next(ctx)
	if err != nil {
		return 0, "", err
	}
	visibility := ""
	shortTitle, longTitle := field.Name, field.Name
	priority := 0.0
	if feat != nil {
		shortTitle, longTitle, priority, visibility = feat.ShortTitle, feat.LongTitle, feat.Priority, feat.Visibility
	}
	if err := l.insertOne(ctx,
		`INSERT INTO feature (id, field_id, short_title, long_title, priority, value_type, visibility) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		featureID, fieldID, shortTitle, longTitle, priority, matrix.Category.String(), visibility,
	); err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Integrity, err)
	}

	orderedValues := make([]string, len(order))
	for value, ordinal := range order {
		orderedValues[ordinal] = value
	}
	if err := l.insertCodes(ctx, fieldID, orderedValues); err != nil {
		return 0, "", err
	}

	return l.loadScoreField(ctx, fieldID, field, order)
}

func (l *Loader) insertCodes(ctx context.Context, fieldID int64, values []string) error {
	tx, err := l.Store.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	for ordinal, value := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO code (field_id, ordering, value) VALUES (?, ?, ?)`, fieldID, ordinal, value); err != nil {
			_ = tx.Rollback()
			return xerrors.WrapCode(xerrors.Integrity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	return nil
}

func (l *Loader) loadPositionField(ctx context.Context, fieldID int64, field matrix.Field) (int64, string, error) {
	it, err := field.Rows(ctx)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}

	var row, maxRow int64
	ops := 0
	tx, err := l.Store.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	for it.Next(ctx) {
		v := it.Value()
		bin := genomic.Bin(v.Position.ChromStart, v.Position.ChromEnd)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_position (field_id, row, bin, chrom, chrom_start, chrom_end, strand) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fieldID, row, bin, v.Position.Chrom, v.Position.ChromStart, v.Position.ChromEnd, v.Position.Strand,
		); err != nil {
			_ = tx.Rollback()
			return 0, "", xerrors.WrapCode(xerrors.Integrity, err)
		}
		ops++
		if row+1 > maxRow {
			maxRow = row + 1
		}
		row++
		if ops >= insertBatchSize {
			if err := tx.Commit(); err != nil {
				return 0, "", xerrors.WrapCode(xerrors.Io, err)
			}
			ops = 0
			if tx, err = l.Store.WriteDB.BeginTx(ctx, nil); err != nil {
				return 0, "", xerrors.WrapCode(xerrors.Io, err)
			}
		}
	}
	if err := it.Err(); err != nil {
		_ = tx.Rollback()
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	if ops > 0 {
		if err := tx.Commit(); err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
	} else {
		_ = tx.Rollback()
	}
	return maxRow, "", nil
}

func (l *Loader) loadGenesField(ctx context.Context, fieldID int64, field matrix.Field) (int64, string, error) {
	it, err := field.Rows(ctx)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}

	var row, maxRow int64
	ops := 0
	tx, err := l.Store.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	for it.Next(ctx) {
		v := it.Value()
		for _, gene := range v.Genes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO field_gene (field_id, row, gene) VALUES (?, ?, ?)`, fieldID, row, gene); err != nil {
				_ = tx.Rollback()
				return 0, "", xerrors.WrapCode(xerrors.Integrity, err)
			}
			ops++
			if ops >= insertBatchSize {
				if err := tx.Commit(); err != nil {
					return 0, "", xerrors.WrapCode(xerrors.Io, err)
				}
				ops = 0
				if tx, err = l.Store.WriteDB.BeginTx(ctx, nil); err != nil {
					return 0, "", xerrors.WrapCode(xerrors.Io, err)
				}
			}
		}
		if row+1 > maxRow {
			maxRow = row + 1
		}
		row++
	}
	if err := it.Err(); err != nil {
		_ = tx.Rollback()
		return 0, "", xerrors.WrapCode(xerrors.Io, err)
	}
	if ops > 0 {
		if err := tx.Commit(); err != nil {
			return 0, "", xerrors.WrapCode(xerrors.Io, err)
		}
	} else {
		_ = tx.Rollback()
	}
	return maxRow, "", nil
}

func (l *Loader) insertOne(ctx context.Context, query string, args ...interface{}) error {
	_, err := l.Store.WriteDB.ExecContext(ctx, query, args...)
	return err
}

func (l *Loader) upsertDatasetHeader(ctx context.Context, db *sql.DB, name string, md Metadata) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var datasetID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM dataset WHERE name = ?`, name).Scan(&datasetID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dataset (name, probe_map, short_title, long_title, group_title, platform, cohort, security, data_sub_type, type, raw_metadata, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'loading')`,
			name, md.ProbeMap, md.ShortTitle, md.LongTitle, md.GroupTitle, md.Platform, md.Cohort, md.Security, md.DataSubType, md.Type, md.RawMetadataJSON,
		)
		if err != nil {
			return 0, xerrors.WrapCode(xerrors.Integrity, err)
		}
		datasetID, err = res.LastInsertId()
		if err != nil {
			return 0, xerrors.WrapCode(xerrors.Io, err)
		}
	case err != nil:
		return 0, xerrors.WrapCode(xerrors.Io, err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE dataset SET
				probe_map = COALESCE(?, probe_map),
				short_title = COALESCE(?, short_title),
				long_title = COALESCE(?, long_title),
				group_title = COALESCE(?, group_title),
				platform = COALESCE(?, platform),
				cohort = COALESCE(?, cohort),
				security = COALESCE(?, security),
				data_sub_type = COALESCE(?, data_sub_type),
				type = COALESCE(?, type),
				raw_metadata = COALESCE(?, raw_metadata)
			 WHERE id = ?`,
			md.ProbeMap, md.ShortTitle, md.LongTitle, md.GroupTitle, md.Platform, md.Cohort, md.Security, md.DataSubType, md.Type, md.RawMetadataJSON,
			datasetID,
		); err != nil {
			return 0, xerrors.WrapCode(xerrors.Io, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	return datasetID, nil
}

func (l *Loader) setStatus(ctx context.Context, db *sql.DB, datasetID int64, status string) error {
	_, err := db.ExecContext(ctx, `UPDATE dataset SET status = ? WHERE id = ?`, status, datasetID)
	return xerrors.WrapCode(xerrors.Io, err)
}

func (l *Loader) currentRowCount(ctx context.Context, db *sql.DB, datasetID int64) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT row_count FROM dataset WHERE id = ?`, datasetID).Scan(&n)
	return n, xerrors.WrapCode(xerrors.Io, err)
}

func (l *Loader) readOldSources(ctx context.Context, db *sql.DB, datasetID int64) (map[sourceKey]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT s.name, s.mtime, s.content_hash
		   FROM source s JOIN dataset_source ds ON ds.source_id = s.id
		  WHERE ds.dataset_id = ?`, datasetID)
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rows.Close()

	out := map[sourceKey]bool{}
	for rows.Next() {
		var k sourceKey
		if err := rows.Scan(&k.name, &k.mtime, &k.hash); err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		out[k] = true
	}
	return out, xerrors.WrapCode(xerrors.Io, rows.Err())
}

func (l *Loader) replaceSources(ctx context.Context, db *sql.DB, datasetID int64, sources []sourceKey) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_source WHERE dataset_id = ?`, datasetID); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	for _, s := range sources {
		var sourceID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM source WHERE name = ? AND mtime = ? AND content_hash = ?`, s.name, s.mtime, s.hash).Scan(&sourceID)
		if err == sql.ErrNoRows {
			res, err := tx.ExecContext(ctx, `INSERT INTO source (name, mtime, content_hash) VALUES (?, ?, ?)`, s.name, s.mtime, s.hash)
			if err != nil {
				return xerrors.WrapCode(xerrors.Integrity, err)
			}
			sourceID, err = res.LastInsertId()
			if err != nil {
				return xerrors.WrapCode(xerrors.Io, err)
			}
		} else if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dataset_source (dataset_id, source_id) VALUES (?, ?)`, datasetID, sourceID); err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
	}

	return xerrors.WrapCode(xerrors.Io, tx.Commit())
}

func (l *Loader) finish(ctx context.Context, db *sql.DB, datasetID, rowCount int64, warnings []string) error {
	var warningsJSON *string
	if len(warnings) > 0 {
		b, err := json.Marshal(warnings)
		if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		s := string(b)
		warningsJSON = &s
	}
	_, err := db.ExecContext(ctx, `UPDATE dataset SET row_count = ?, status = 'loaded' WHERE id = ?`, rowCount, datasetID)
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	if warningsJSON != nil {
		l.Log.Warnf("dataset %d loaded with warnings: %s", datasetID, *warningsJSON)
	}
	return nil
}

func hashSources(refs []matrix.FileRef) ([]sourceKey, error) {
	out := make([]sourceKey, 0, len(refs))
	for _, ref := range refs {
		rc, err := ref.Open()
		if err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		h := xxhash.New()
		_, err = io.Copy(h, rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		if closeErr != nil {
			return nil, xerrors.WrapCode(xerrors.Io, closeErr)
		}
		out = append(out, sourceKey{name: ref.Name, mtime: ref.Mtime, hash: hexHash(h.Sum64())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func hexHash(h uint64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(b)
}

func sameSourceSet(a []sourceKey, old map[sourceKey]bool) bool {
	if len(a) != len(old) {
		return false
	}
	for _, k := range a {
		if !old[k] {
			return false
		}
	}
	return true
}

func withMaterializedCategoryRows(field matrix.Field, values []string) matrix.Field {
	rows := make([]matrix.RowValue, len(values))
	for i, v := range values {
		if v == "" {
			rows[i] = matrix.RowValue{Null: true}
			continue
		}
		rows[i] = matrix.RowValue{Category: v}
	}
	field.Rows = func(ctx context.Context) (matrix.RowIterator, error) {
		return matrix.NewSliceRowIterator(rows), nil
	}
	return field
}
