// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package codec_test

import (
	"math"
	"testing"

	"github.com/prertik/ucsc-xena-server/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []float32{1.1, 2.2, -3.3, 0, float32(math.NaN())}
	payload := codec.Encode(values)
	require.Len(t, payload, len(values)*codec.BytesPerFloat)

	got, err := codec.Decode(payload)
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i := range values {
		if codec.IsMissing(values[i]) {
			require.True(t, codec.IsMissing(got[i]))
			continue
		}
		require.Equal(t, values[i], got[i])
	}
}

func TestDecodeRejectsPartialFloat(t *testing.T) {
	_, err := codec.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	_, err := codec.Decode(make([]byte, codec.MaxPayloadBytes+codec.BytesPerFloat))
	require.Error(t, err)
}

func TestSortedGzipRoundTrip(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, float32(math.NaN()), -7.5}
	compressed, err := codec.EncodeSortedGzip(values)
	require.NoError(t, err)

	got, err := codec.DecodeSortedGzip(compressed, len(values))
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i := range values {
		if codec.IsMissing(values[i]) {
			require.True(t, codec.IsMissing(got[i]))
			continue
		}
		require.Equal(t, values[i], got[i])
	}
}
