// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes and decodes the fixed-width float segments that
// back every numeric and category field score. A segment holds at most
// SegmentSize float32 values as 4-byte little-endian IEEE-754 words,
// concatenated with no padding or header.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"

	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// SegmentSize is the number of floats in a full segment.
const SegmentSize = 1000

// BytesPerFloat is the encoded width of one value.
const BytesPerFloat = 4

// MaxPayloadBytes is the largest a single segment payload may be.
const MaxPayloadBytes = SegmentSize * BytesPerFloat

// Encode converts values into their little-endian byte representation.
// len(values) must be <= SegmentSize; callers are responsible for
// chunking a field's rows into segments before calling Encode.
func Encode(values []float32) []byte {
	buf := make([]byte, len(values)*BytesPerFloat)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*BytesPerFloat:], math.Float32bits(v))
	}
	return buf
}

// Decode reverses Encode. It returns a DecodeError if payload is not a
// whole number of floats or exceeds one full segment.
func Decode(payload []byte) ([]float32, error) {
	if len(payload)%BytesPerFloat != 0 {
		return nil, xerrors.Newf(xerrors.Decode, "segment payload length %d is not a multiple of %d", len(payload), BytesPerFloat)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, xerrors.Newf(xerrors.Decode, "segment payload length %d exceeds max %d", len(payload), MaxPayloadBytes)
	}
	n := len(payload) / BytesPerFloat
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(payload[i*BytesPerFloat:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// Missing is the sentinel decoded value meaning "no score" for a numeric
// field, or "unknown code" for a category field.
var Missing = float32(math.NaN())

// IsMissing reports whether v represents the missing sentinel. NaN never
// compares equal to itself, so this must be used instead of v == Missing.
func IsMissing(v float32) bool {
	return math.IsNaN(float64(v))
}

// EncodeSortedGzip transposes the bytes of each float (all byte 0s, then
// all byte 1s, ...) before gzip-compressing them, which improves
// compressibility of typically-low-entropy score columns. This path is
// experimental: it is never selected by the default loader pipeline, and
// must not be used for segments the segment cache will memory-map, since
// gzip output cannot be addressed by byte offset.
func EncodeSortedGzip(values []float32) ([]byte, error) {
	raw := Encode(values)
	reordered := make([]byte, len(raw))
	n := len(values)
	for lane := 0; lane < BytesPerFloat; lane++ {
		for i := 0; i < n; i++ {
			reordered[lane*n+i] = raw[i*BytesPerFloat+lane]
		}
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(reordered); err != nil {
		return nil, xerrors.Wrap(err, "gzip write")
	}
	if err := gw.Close(); err != nil {
		return nil, xerrors.Wrap(err, "gzip close")
	}
	return buf.Bytes(), nil
}

// DecodeSortedGzip is the inverse of EncodeSortedGzip. It is supplied so
// the experimental path is not write-only, but it remains unused by the
// default segment pipeline.
func DecodeSortedGzip(compressed []byte, count int) ([]float32, error) {
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, xerrors.Wrap(err, "gzip reader")
	}
	defer gr.Close()

	reordered, err := io.ReadAll(gr)
	if err != nil {
		return nil, xerrors.Wrap(err, "gzip read")
	}
	want := count * BytesPerFloat
	if len(reordered) != want {
		return nil, xerrors.Newf(xerrors.Decode, "sorted-gzip payload decoded to %d bytes, want %d", len(reordered), want)
	}

	raw := make([]byte, want)
	for lane := 0; lane < BytesPerFloat; lane++ {
		for i := 0; i < count; i++ {
			raw[i*BytesPerFloat+lane] = reordered[lane*count+i]
		}
	}
	return Decode(raw)
}
