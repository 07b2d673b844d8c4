// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements dataset deletion and orphaned source
// cleanup. Dataset deletion is expressed as bounded delete loops so a
// single cascade never holds one enormous transaction against the write
// connection; source cleanup is a single DELETE statement.
package lifecycle

import (
	"context"
	"database/sql"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/logger"
	"github.com/prertik/ucsc-xena-server/internal/store"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// deleteBatchSize bounds each DELETE ... LIMIT N sub-transaction.
const deleteBatchSize = 1000

// Manager owns the write connection and segment cache used to delete
// datasets and reclaim orphaned sources.
type Manager struct {
	Store *store.Store
	Cache *cache.SegmentCache
	Log   logger.Logger
}

func New(s *store.Store, segCache *cache.SegmentCache, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NopLogger
	}
	return &Manager{Store: s, Cache: segCache, Log: log}
}

// DeleteDataset resolves name to a dataset id, clears every row owned by
// it, and removes the dataset row itself. Deleting an absent dataset is
// logged and reported as a success.
func (m *Manager) DeleteDataset(ctx context.Context, name string) error {
	db := m.Store.WriteDB

	var datasetID int64
	err := db.QueryRowContext(ctx, `SELECT id FROM dataset WHERE name = ?`, name).Scan(&datasetID)
	if err == sql.ErrNoRows {
		m.Log.Infof("delete_dataset: %q does not exist, nothing to do", name)
		return nil
	}
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	if err := ClearByExp(ctx, db, datasetID); err != nil {
		return err
	}
	if m.Cache != nil {
		m.Cache.Purge()
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM dataset WHERE id = ?`, datasetID); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	m.Log.Infof("delete_dataset: removed %q (id=%d)", name, datasetID)
	return nil
}

// CleanSources deletes every source row with no surviving dataset_source
// link, via a NOT EXISTS anti-join.
func (m *Manager) CleanSources(ctx context.Context) (int64, error) {
	res, err := m.Store.WriteDB.ExecContext(ctx,
		`DELETE FROM source WHERE NOT EXISTS (SELECT 1 FROM dataset_source ds WHERE ds.source_id = source.id)`)
	if err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.WrapCode(xerrors.Io, err)
	}
	if n > 0 {
		m.Log.Infof("clean_sources: removed %d orphaned source row(s)", n)
	}
	return n, nil
}

// ClearByExp deletes every row descending from datasetID's fields (code,
// feature, field_gene, field_position, field_score) and then the field
// rows themselves, each table's delete bounded to deleteBatchSize rows
// per sub-transaction so a wide dataset never holds one giant
// transaction. Exported so the loader can reuse it ahead of a forced
// reload without introducing a loader<->lifecycle import cycle in the
// other direction.
func ClearByExp(ctx context.Context, db *sql.DB, datasetID int64) error {
	rows, err := db.QueryContext(ctx, `SELECT id FROM field WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	var fieldIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return xerrors.WrapCode(xerrors.Io, err)
		}
		fieldIDs = append(fieldIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	for _, fieldID := range fieldIDs {
		for _, table := range []string{"code", "feature", "field_gene", "field_position", "field_score"} {
			if err := deleteInBatches(ctx, db, table, fieldID); err != nil {
				return err
			}
		}
	}
	return deleteFieldsInBatches(ctx, db, datasetID)
}

func deleteInBatches(ctx context.Context, db *sql.DB, table string, fieldID int64) error {
	for {
		res, err := db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE field_id = ? AND rowid IN (SELECT rowid FROM `+table+` WHERE field_id = ? LIMIT ?)`,
			fieldID, fieldID, deleteBatchSize)
		if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		if n == 0 {
			return nil
		}
	}
}

func deleteFieldsInBatches(ctx context.Context, db *sql.DB, datasetID int64) error {
	for {
		res, err := db.ExecContext(ctx,
			`DELETE FROM field WHERE dataset_id = ? AND id IN (SELECT id FROM field WHERE dataset_id = ? LIMIT ?)`,
			datasetID, datasetID, deleteBatchSize)
		if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return xerrors.WrapCode(xerrors.Io, err)
		}
		if n == 0 {
			return nil
		}
	}
}
