// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"

	"github.com/prertik/ucsc-xena-server/internal/codec"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// SegmentSource implements cache.Source by reading field_score rows
// from the read pool and decoding them via the codec package.
type SegmentSource struct {
	DB *sql.DB
}

func NewSegmentSource(s *Store) *SegmentSource {
	return &SegmentSource{DB: s.ReadDB}
}

func (s *SegmentSource) LoadSegment(ctx context.Context, fieldID, segmentIndex int64) ([]float32, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM field_score WHERE field_id = ? AND i = ?`, fieldID, segmentIndex).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.WrapCode(xerrors.Io, err)
	}
	values, err := codec.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}
