// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package engine exposes the public open/write-matrix/delete-matrix/
// run-query/fetch/close surface, wiring the store, segment cache,
// loader, lifecycle, and query executor packages together behind one
// handle.
package engine

import (
	"context"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/lifecycle"
	"github.com/prertik/ucsc-xena-server/internal/loader"
	"github.com/prertik/ucsc-xena-server/internal/logger"
	"github.com/prertik/ucsc-xena-server/internal/query"
	"github.com/prertik/ucsc-xena-server/internal/store"
)

// Options configures an Engine at Open time.
type Options struct {
	ReadPoolSize         int
	SegmentCacheCapacity int
	Log                  logger.Logger
}

// Engine is the process-wide handle returned by Open. All methods are
// safe for concurrent use.
type Engine struct {
	store     *store.Store
	cache     *cache.SegmentCache
	loader    *loader.Loader
	lifecycle *lifecycle.Manager
	executor  *query.Executor
	fetcher   *query.Fetcher
	log       logger.Logger
}

// Open opens (creating if necessary) the database at path and returns a
// ready-to-use Engine. path may be ":memory:" for an ephemeral instance.
func Open(ctx context.Context, path string, opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logger.NopLogger
	}

	s, err := store.Open(ctx, path, opts.ReadPoolSize)
	if err != nil {
		return nil, err
	}

	segSource := store.NewSegmentSource(s)
	capacity := opts.SegmentCacheCapacity
	if capacity <= 0 {
		capacity = cache.Capacity
	}
	segCache := cache.New(capacity, segSource)

	codes := &query.DBCodeResolver{DB: s.ReadDB}

	e := &Engine{
		store:     s,
		cache:     segCache,
		loader:    loader.New(s, segCache, log),
		lifecycle: lifecycle.New(s, segCache, log),
		executor:  query.NewExecutor(s.ReadDB, segCache, codes),
		fetcher:   query.NewFetcher(s.ReadDB, segCache),
		log:       log,
	}
	return e, nil
}

// WriteMatrix ingests in into the engine's database.
func (e *Engine) WriteMatrix(ctx context.Context, in loader.Input) (*loader.Result, error) {
	return e.loader.WriteMatrix(ctx, in)
}

// DeleteMatrix removes the named dataset and all of its rows.
func (e *Engine) DeleteMatrix(ctx context.Context, name string) error {
	return e.lifecycle.DeleteDataset(ctx, name)
}

// CleanSources removes source rows with no surviving dataset link.
func (e *Engine) CleanSources(ctx context.Context) (int64, error) {
	return e.lifecycle.CleanSources(ctx)
}

// RunQuery executes a structured, read-only query.
func (e *Engine) RunQuery(ctx context.Context, q query.Query) ([]query.Row, error) {
	return e.executor.RunQuery(ctx, q)
}

// Fetch resolves one or more genomic fetch requests.
func (e *Engine) Fetch(ctx context.Context, reqs []query.FetchRequest) ([]query.FetchResult, error) {
	out := make([]query.FetchResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// Close releases the underlying database connections.
func (e *Engine) Close() error {
	return e.store.Close()
}
