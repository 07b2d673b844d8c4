// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package xerrors wraps github.com/pkg/errors and adds coded errors so
// callers can test for a category of failure (schema, integrity, decode,
// io, input) without string-matching messages.
package xerrors

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Code is an error category. See the constants below for the taxonomy.
type Code string

const (
	// Uncoded marks an error that was not assigned a specific category.
	Uncoded Code = "Uncoded"

	// Schema covers a missing dataset, unknown field, or malformed query.
	Schema Code = "SchemaError"
	// Integrity covers a unique-constraint violation on dataset.name or
	// (field_id, i); always fatal for the in-flight operation.
	Integrity Code = "IntegrityError"
	// Decode covers a segment payload whose length is not a multiple of
	// 4, or a categorical ordering out of range.
	Decode Code = "DecodeError"
	// Io covers transient database or file errors.
	Io Code = "IoError"
	// Input covers a MatrixSource field with an unrecognized valueType;
	// the field is skipped and the condition is recorded as a warning
	// rather than aborting the load.
	Input Code = "InputError"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{Code: code, Message: message})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{Code: code, Message: errors.Errorf(format, args...).Error()})
}

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Cause(err error) error { return errors.Cause(err) }

func Errorf(format string, args ...interface{}) error { return errors.Errorf(format, args...) }

// Is reports whether err (or something it wraps) was created with the
// given Code.
func Is(err error, target Code) bool {
	match := codedError{Code: target}
	return errors.Is(err, match)
}

func Unwrap(err error) error { return errors.Unwrap(err) }

func WithMessage(err error, message string) error { return errors.WithMessage(err, message) }

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error { return errors.WithStack(err) }

func Wrap(err error, message string) error { return errors.Wrap(err, message) }

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// WrapCode wraps err and assigns it a Code, for cases where a lower-level
// error (e.g. a database/sql error) needs to be reclassified into the
// taxonomy above.
func WrapCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{Code: code, Message: err.Error()})
}

// codedError is the fundamental type this package uses to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	e, ok := err.(codedError)
	return ok && ce.Code == e.Code
}

// MarshalJSON returns the provided error as a JSON string representing a
// codedError. If err is not already a codedError, the code is left empty.
func MarshalJSON(err error) string {
	cause := Cause(err)

	var out *codedError
	switch v := cause.(type) {
	case codedError:
		v.Wrapped = err.Error()
		out = &v
	default:
		out = &codedError{Message: cause.Error(), Wrapped: err.Error()}
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}
	return string(j)
}

// UnmarshalJSON converts r into a codedError. If it can't be parsed as
// one, a plain error is returned containing the raw bytes.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	out := &codedError{}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.New(string(b))
	}
	return *out
}
