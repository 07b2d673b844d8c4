// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the thread-safe LRU segment cache shared by
// every connection in the process. Segment contents are immutable for
// the life of a field (fields are deleted and reinserted, never
// updated in place), which is what makes sharing the cache across
// connections safe.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prertik/ucsc-xena-server/internal/codec"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// Capacity is the default number of decoded segments the cache holds.
const Capacity = 128

// Key identifies one decoded segment.
type Key struct {
	FieldID      int64
	SegmentIndex int64
}

// Source loads and decodes a single segment on a cache miss. It returns
// ok=false if no field_score row exists for (fieldID, segmentIndex) -- a
// valid, non-error outcome for sparse columns.
type Source interface {
	LoadSegment(ctx context.Context, fieldID, segmentIndex int64) (values []float32, ok bool, err error)
}

// SegmentCache is a process-wide LRU over (field_id, segment_index) ->
// decoded float buffer. Admission on miss reads and decodes the segment
// blob via Source. At-most-once decode per key per concurrent miss is a
// quality goal, not a correctness requirement, so two readers racing on
// the same miss may both decode; this is tolerated deliberately to keep
// the critical section small.
type SegmentCache struct {
	cache  *lru.Cache[Key, []float32]
	source Source
}

// New returns a SegmentCache with the given capacity (entries), backed
// by source for misses.
func New(capacity int, source Source) *SegmentCache {
	if capacity <= 0 {
		capacity = Capacity
	}
	c, err := lru.New[Key, []float32](capacity)
	if err != nil {
		// lru.New only errors for size <= 0, which is excluded above.
		panic(err)
	}
	return &SegmentCache{cache: c, source: source}
}

// Get returns the decoded segment for (fieldID, segmentIndex), loading
// and admitting it on a miss. ok=false means the underlying row is
// absent.
func (c *SegmentCache) Get(ctx context.Context, fieldID, segmentIndex int64) (values []float32, ok bool, err error) {
	key := Key{FieldID: fieldID, SegmentIndex: segmentIndex}
	if v, hit := c.cache.Get(key); hit {
		return v, true, nil
	}

	v, ok, err := c.source.LoadSegment(ctx, fieldID, segmentIndex)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	c.cache.Add(key, v)
	return v, true, nil
}

// Len returns the number of entries currently cached.
func (c *SegmentCache) Len() int { return c.cache.Len() }

// Purge evicts every cached segment. Used by the dataset lifecycle after
// deleting or reloading a dataset so stale segments for reused field ids
// cannot surface.
func (c *SegmentCache) Purge() { c.cache.Purge() }

// LookupRow computes lookup_row(field_id, row) for the query executor's
// post-query pseudo-column: cache[(field_id, row/S)][row%S]. ok=false
// if the row has no backing segment.
func (c *SegmentCache) LookupRow(ctx context.Context, fieldID, row int64) (value float32, ok bool, err error) {
	segIdx := row / codec.SegmentSize
	offset := row % codec.SegmentSize
	seg, ok, err := c.Get(ctx, fieldID, segIdx)
	if err != nil || !ok {
		return 0, false, err
	}
	if offset >= int64(len(seg)) {
		return 0, false, nil
	}
	v := seg[offset]
	if codec.IsMissing(v) {
		return 0, false, nil
	}
	return v, true, nil
}

// CodeResolver resolves a category field's (field_id, ordering) pair to
// its string value, per the `code` table.
type CodeResolver interface {
	ResolveCode(ctx context.Context, fieldID int64, ordering int64) (value string, ok bool, err error)
}

// LookupValue computes lookup_value(field_id, row) for the query
// executor's post-query pseudo-column: if LookupRow yields ordering k,
// resolve it via codes; else return ok=false (a nil column value).
func (c *SegmentCache) LookupValue(ctx context.Context, codes CodeResolver, fieldID, row int64) (value string, ok bool, err error) {
	ordering, ok, err := c.LookupRow(ctx, fieldID, row)
	if err != nil || !ok {
		return "", false, err
	}
	if ordering < 0 {
		return "", false, xerrors.Newf(xerrors.Decode, "negative ordering %v decoded for field %d row %d", ordering, fieldID, row)
	}
	return codes.ResolveCode(ctx, fieldID, int64(ordering))
}
