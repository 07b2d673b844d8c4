// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package store owns the physical connection to the backing relational
// engine (a single SQLite file per process, or an in-memory instance for
// tests), the schema migrations applied to it, and a write/read
// connection-pool split: the loader holds exactly one write connection
// for the duration of a dataset load, while the query executor may
// serve arbitrarily many concurrent readers from a separate pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DSN parameters applied to every connection for write-safety and
// predictable latency under concurrent readers.
const (
	defaultBusyTimeoutMS = "5000"
	defaultSynchronous   = "NORMAL"
	defaultJournalMode   = "WAL"
)

// Store bundles the write pool (used exclusively by the loader and the
// dataset lifecycle) and the read pool (used by the query executor) for
// one database file.
type Store struct {
	path    string
	WriteDB *sql.DB
	ReadDB  *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path, applies
// pending migrations, and returns a Store with its write/read pools
// configured. path may be ":memory:" for an ephemeral instance, in
// which case the write and read pools share a single connection so
// both sides observe the same in-memory database.
func Open(ctx context.Context, path string, readMaxOpen int) (*Store, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", "file::memory:?cache=shared")
		if err != nil {
			return nil, fmt.Errorf("open in-memory sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping in-memory sqlite: %w", err)
		}
		if err := migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Store{path: path, WriteDB: db, ReadDB: db}, nil
	}

	writeDB, err := openPool(ctx, path, "write", 0)
	if err != nil {
		return nil, err
	}
	if err := migrate(writeDB); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	readDB, err := openPool(ctx, path, "read", readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	return &Store{path: path, WriteDB: writeDB, ReadDB: readDB}, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		if err := s.ReadDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openPool opens a *sql.DB for mode "write" (single connection, used
// serially by the loader and lifecycle cleanup) or "read" (a pool sized
// by maxOpen, used by concurrent query executor calls).
func openPool(ctx context.Context, path, mode string, maxOpen int) (*sql.DB, error) {
	dsn := buildDSN(path, mode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	switch mode {
	case "write":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case "read":
		if maxOpen <= 0 {
			maxOpen = 4
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxLifetime(time.Hour)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

func buildDSN(path, mode string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeoutMS)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	if mode == "write" {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(EmbedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
