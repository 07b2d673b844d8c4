// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"database/sql"

	"github.com/prertik/ucsc-xena-server/internal/cache"
	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

// Executor runs structured Query values against the read pool,
// optionally resolving lookup_row/lookup_value pseudo-columns through
// the shared segment cache.
type Executor struct {
	DB    *sql.DB
	Cache *cache.SegmentCache
	Codes cache.CodeResolver // required only if any query uses lookup_value
}

func NewExecutor(db *sql.DB, segCache *cache.SegmentCache, codes cache.CodeResolver) *Executor {
	return &Executor{DB: db, Cache: segCache, Codes: codes}
}

// Row is one result row, keyed by the column name or alias as received
// in the Query (original case preserved). A qualified name such as
// field.name is keyed by its bare column name, as SQLite reports it.
type Row map[string]interface{}

// RunQuery compiles q to parameterized SQL, executes it against the
// read pool, and resolves any lookup_row/lookup_value pseudo-columns.
func (e *Executor) RunQuery(ctx context.Context, q Query) ([]Row, error) {
	sqlText, args, err := Compile(q)
	if err != nil {
		return nil, err
	}

	rows, err := e.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, xerrors.WrapCode(xerrors.Io, err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.WrapCode(xerrors.Io, err)
		}
		row := Row{}
		for i, name := range cols {
			row[name] = vals[i]
		}
		if err := e.resolveLookups(ctx, q, row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, xerrors.WrapCode(xerrors.Io, rows.Err())
}

// resolveLookups computes any Column with a Func set, using the values
// already present in row under FuncArgs, and stores the result keyed by
// the column's alias (or name, if no alias was given).
func (e *Executor) resolveLookups(ctx context.Context, q Query, row Row) error {
	for _, c := range q.Select {
		if c.Func == "" {
			continue
		}
		key := c.Alias
		if key == "" {
			key = c.Name
		}

		fieldID, okF := asInt64(row[c.FuncArgs[0]])
		rowIdx, okR := asInt64(row[c.FuncArgs[1]])
		if !okF || !okR {
			row[key] = nil
			continue
		}

		switch c.Func {
		case "lookup_row":
			v, ok, err := e.Cache.LookupRow(ctx, fieldID, rowIdx)
			if err != nil {
				return err
			}
			if !ok {
				row[key] = nil
			} else {
				row[key] = v
			}
		case "lookup_value":
			if e.Codes == nil {
				return xerrors.Newf(xerrors.Schema, "lookup_value requires a code resolver")
			}
			v, ok, err := e.Cache.LookupValue(ctx, e.Codes, fieldID, rowIdx)
			if err != nil {
				return err
			}
			if !ok {
				row[key] = nil
			} else {
				row[key] = v
			}
		default:
			return xerrors.Newf(xerrors.Schema, "unknown lookup function %q", c.Func)
		}
	}
	return nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
