// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/codec"
)

// fakeSource is an in-memory cache.Source for tests, counting loads per
// key so eviction/at-most-once-admission behavior can be observed.
type fakeSource struct {
	segments map[cache.Key][]float32
	loads    map[cache.Key]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{segments: map[cache.Key][]float32{}, loads: map[cache.Key]int{}}
}

func (s *fakeSource) LoadSegment(ctx context.Context, fieldID, segmentIndex int64) ([]float32, bool, error) {
	key := cache.Key{FieldID: fieldID, SegmentIndex: segmentIndex}
	s.loads[key]++
	v, ok := s.segments[key]
	return v, ok, nil
}

func TestGetMissingSegmentReturnsNotOK(t *testing.T) {
	src := newFakeSource()
	c := cache.New(4, src)

	_, ok, err := c.Get(context.Background(), 1, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetAdmitsAndReusesDecodedSegment(t *testing.T) {
	src := newFakeSource()
	src.segments[cache.Key{FieldID: 1, SegmentIndex: 0}] = []float32{1, 2, 3}
	c := cache.New(4, src)

	ctx := context.Background()
	v, ok, err := c.Get(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, v)
	require.Equal(t, 1, c.Len())

	// Second Get for the same key must hit the cache, not the source.
	v2, ok, err := c.Get(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, v2)
	require.Equal(t, 1, src.loads[cache.Key{FieldID: 1, SegmentIndex: 0}])
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	src := newFakeSource()
	for i := int64(0); i < 3; i++ {
		src.segments[cache.Key{FieldID: i, SegmentIndex: 0}] = []float32{float32(i)}
	}
	c := cache.New(2, src)
	ctx := context.Background()

	_, _, err := c.Get(ctx, 0, 0)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, 1, 0)
	require.NoError(t, err)
	// Touch key 0 again so key 1 becomes the least recently used.
	_, _, err = c.Get(ctx, 0, 0)
	require.NoError(t, err)
	// Admitting key 2 should evict key 1, not key 0.
	_, _, err = c.Get(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, _, err = c.Get(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads[cache.Key{FieldID: 1, SegmentIndex: 0}])
}

func TestPurgeClearsAllEntries(t *testing.T) {
	src := newFakeSource()
	src.segments[cache.Key{FieldID: 1, SegmentIndex: 0}] = []float32{9}
	c := cache.New(4, src)
	ctx := context.Background()

	_, _, err := c.Get(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())

	_, _, err = c.Get(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads[cache.Key{FieldID: 1, SegmentIndex: 0}])
}

func TestLookupRowAndValue(t *testing.T) {
	src := newFakeSource()
	// field 5 has a single segment: row0=3 (category ordinal), row1=missing.
	src.segments[cache.Key{FieldID: 5, SegmentIndex: 0}] = []float32{3, codec.Missing}
	c := cache.New(4, src)
	ctx := context.Background()

	v, ok, err := c.LookupRow(ctx, 5, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float32(3), v)

	_, ok, err = c.LookupRow(ctx, 5, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.LookupRow(ctx, 5, 2)
	require.NoError(t, err)
	require.False(t, ok)

	codes := stubCodeResolver{values: map[int64]string{3: "Stage IV"}}
	strVal, ok, err := c.LookupValue(ctx, codes, 5, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Stage IV", strVal)

	_, ok, err = c.LookupValue(ctx, codes, 5, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

type stubCodeResolver struct {
	values map[int64]string
}

func (r stubCodeResolver) ResolveCode(ctx context.Context, fieldID int64, ordering int64) (string, bool, error) {
	v, ok := r.values[ordering]
	return v, ok, nil
}
