// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// DefaultSequenceCache is the minimum block size an IDAllocator reserves
// per round-trip for the FIELD_IDS and FEATURE_IDS sequences, so id
// allocation doesn't dominate the loader's insert rate.
const DefaultSequenceCache = 2000

// IDAllocator hands out monotonically increasing ids for a named
// sequence (FIELD_IDS, FEATURE_IDS) backed by the id_sequence table. It
// reserves a block of ids per round-trip to the database so allocation
// doesn't dominate the loader's insert rate.
type IDAllocator struct {
	db   *sql.DB
	name string
	cache int64

	mu   sync.Mutex
	next int64
	end  int64 // exclusive upper bound of the currently reserved block
}

// NewIDAllocator returns an allocator for the given sequence name. cache
// is the block size to reserve per round-trip; values below
// DefaultSequenceCache are raised to it.
func NewIDAllocator(db *sql.DB, name string, cache int64) *IDAllocator {
	if cache < DefaultSequenceCache {
		cache = DefaultSequenceCache
	}
	return &IDAllocator{db: db, name: name, cache: cache}
}

// Next returns the next id in the sequence, reserving a new block from
// id_sequence if the current one is exhausted.
func (a *IDAllocator) Next(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.end {
		if err := a.reserveLocked(ctx); err != nil {
			return 0, err
		}
	}
	id := a.next
	a.next++
	return id, nil
}

func (a *IDAllocator) reserveLocked(ctx context.Context) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM id_sequence WHERE name = ?`, a.name).Scan(&current); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	newValue := current + a.cache
	if _, err := tx.ExecContext(ctx, `UPDATE id_sequence SET value = ? WHERE name = ?`, newValue, a.name); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}
	if err := tx.Commit(); err != nil {
		return xerrors.WrapCode(xerrors.Io, err)
	}

	a.next = current
	a.end = newValue
	return nil
}
