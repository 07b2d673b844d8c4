// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIDAllocatorMonotonic(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	a := NewIDAllocator(s.WriteDB, "FIELD_IDS", 0)
	seen := make(map[int64]bool)
	var prev int64 = -1
	for i := 0; i < 10; i++ {
		id, err := a.Next(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reused", id)
		require.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}
}

func TestIDAllocatorRaisesCacheToMinimum(t *testing.T) {
	s := newTestDB(t)
	a := NewIDAllocator(s.WriteDB, "FEATURE_IDS", 1)
	require.Equal(t, int64(DefaultSequenceCache), a.cache)
}

func TestIDAllocatorTwoAllocatorsDontCollide(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	fields := NewIDAllocator(s.WriteDB, "FIELD_IDS", 0)
	features := NewIDAllocator(s.WriteDB, "FEATURE_IDS", 0)

	fieldID, err := fields.Next(ctx)
	require.NoError(t, err)
	featureID, err := features.Next(ctx)
	require.NoError(t, err)

	require.NotEqual(t, fieldID, featureID)
}
