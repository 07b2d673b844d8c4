// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package query implements a structured query AST that compiles to
// parameterized, read-only SQL (never raw strings), plus the genomic
// fetch algorithm built on top of it and the segment cache.
package query

import (
	"regexp"
	"strings"

	"github.com/prertik/ucsc-xena-server/internal/xerrors"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var qualifiedIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func validIdent(s string) bool { return identPattern.MatchString(s) }

func validQualifiedIdent(s string) bool { return qualifiedIdentPattern.MatchString(s) }

// Column is one projected column. Func, if non-empty, names a
// lookup function ("lookup_row" or "lookup_value") computed after the
// base SQL executes, using FuncArgs as the (field_id column, row
// column) pair of already-selected column names; this stands in for a
// registered SQLite scalar function (see DESIGN.md).
type Column struct {
	Name     string
	Alias    string
	Func     string
	FuncArgs [2]string
}

// Condition is a single WHERE predicate, AND-joined with its siblings.
// Value is either a single typed literal or a []interface{} for Op=="IN".
type Condition struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">=", "IN"
	Value  interface{}
}

// OrderTerm is one ORDER BY clause entry.
type OrderTerm struct {
	Column string
	Desc   bool
}

// TableLiteral is the `TABLE(col TYPE=(v1, v2, ...))` construct: an
// inline, parameterized derived table usable as a join target, built
// with a VALUES common table expression.
type TableLiteral struct {
	Alias  string
	Column string
	Values []interface{}
}

// Join attaches a TableLiteral to the query's FROM clause, equi-joined
// on a pair of qualified column names (e.g. {"field.name", "names.name"}).
// Unlike Condition, neither side is a bound literal: both must already
// be validated identifiers naming real columns in the query.
type Join struct {
	Table TableLiteral
	On    [2]string
}

// Query is the structured AST accepted by Compile and Executor.RunQuery.
// It intentionally has no mechanism for injecting raw SQL text: every
// identifier is validated and every literal is bound as a parameter.
type Query struct {
	Select  []Column
	From    string
	Joins   []Join
	Where   []Condition
	GroupBy []string
	OrderBy []OrderTerm
	Limit   int64
}

// Compile renders q into a parameterized SELECT statement and its
// positional arguments. It never concatenates caller-supplied literal
// values into the SQL text.
func Compile(q Query) (string, []interface{}, error) {
	if !validIdent(q.From) {
		return "", nil, xerrors.Newf(xerrors.Schema, "invalid table name %q", q.From)
	}
	if len(q.Select) == 0 {
		return "", nil, xerrors.New(xerrors.Schema, "query has no selected columns")
	}

	var args []interface{}
	var withClauses []string

	var selectExprs []string
	for _, c := range q.Select {
		if c.Func != "" {
			// Lookup columns are resolved after the base query runs;
			// the base SQL still must select their backing columns,
			// which the caller is expected to list explicitly too.
			continue
		}
		if !validQualifiedIdent(c.Name) {
			return "", nil, xerrors.Newf(xerrors.Schema, "invalid column name %q", c.Name)
		}
		expr := c.Name
		if c.Alias != "" {
			if !validIdent(c.Alias) {
				return "", nil, xerrors.Newf(xerrors.Schema, "invalid column alias %q", c.Alias)
			}
			expr += " AS " + c.Alias
		}
		selectExprs = append(selectExprs, expr)
	}
	if len(selectExprs) == 0 {
		return "", nil, xerrors.New(xerrors.Schema, "query has no concrete (non-lookup) columns to select")
	}

	var b strings.Builder

	for _, j := range q.Joins {
		cte, cteArgs, err := compileTableLiteral(j.Table)
		if err != nil {
			return "", nil, err
		}
		withClauses = append(withClauses, cte)
		args = append(args, cteArgs...)
	}
	if len(withClauses) > 0 {
		b.WriteString("WITH ")
		b.WriteString(strings.Join(withClauses, ", "))
		b.WriteString(" ")
	}

	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectExprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.From)

	for _, j := range q.Joins {
		if !validQualifiedIdent(j.On[0]) {
			return "", nil, xerrors.Newf(xerrors.Schema, "invalid join column %q", j.On[0])
		}
		if !validQualifiedIdent(j.On[1]) {
			return "", nil, xerrors.Newf(xerrors.Schema, "invalid join column %q", j.On[1])
		}
		b.WriteString(" JOIN ")
		b.WriteString(j.Table.Alias)
		b.WriteString(" ON ")
		b.WriteString(j.On[0])
		b.WriteString(" = ")
		b.WriteString(j.On[1])
	}

	if len(q.Where) > 0 {
		b.WriteString(" WHERE ")
		var clauses []string
		for _, c := range q.Where {
			sql, cargs, err := compileCondition(c)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, sql)
			args = append(args, cargs...)
		}
		b.WriteString(strings.Join(clauses, " AND "))
	}

	if len(q.GroupBy) > 0 {
		var cols []string
		for _, g := range q.GroupBy {
			if !validIdent(g) {
				return "", nil, xerrors.Newf(xerrors.Schema, "invalid group-by column %q", g)
			}
			cols = append(cols, g)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(cols, ", "))
	}

	if len(q.OrderBy) > 0 {
		var terms []string
		for _, o := range q.OrderBy {
			if !validIdent(o.Column) {
				return "", nil, xerrors.Newf(xerrors.Schema, "invalid order-by column %q", o.Column)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms = append(terms, o.Column+" "+dir)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	return b.String(), args, nil
}

func compileTableLiteral(t TableLiteral) (string, []interface{}, error) {
	if !validIdent(t.Alias) {
		return "", nil, xerrors.Newf(xerrors.Schema, "invalid table literal alias %q", t.Alias)
	}
	if !validIdent(t.Column) {
		return "", nil, xerrors.Newf(xerrors.Schema, "invalid table literal column %q", t.Column)
	}
	if len(t.Values) == 0 {
		return "", nil, xerrors.Newf(xerrors.Schema, "table literal %q has no values", t.Alias)
	}
	placeholders := make([]string, len(t.Values))
	args := make([]interface{}, len(t.Values))
	for i, v := range t.Values {
		placeholders[i] = "(?)"
		args[i] = v
	}
	cte := t.Alias + "(" + t.Column + ") AS (VALUES " + strings.Join(placeholders, ", ") + ")"
	return cte, args, nil
}

func compileCondition(c Condition) (string, []interface{}, error) {
	if !validQualifiedIdent(c.Column) {
		return "", nil, xerrors.Newf(xerrors.Schema, "invalid condition column %q", c.Column)
	}
	switch c.Op {
	case "=", "!=", "<", "<=", ">", ">=":
		return c.Column + " " + c.Op + " ?", []interface{}{c.Value}, nil
	case "IN":
		values, ok := c.Value.([]interface{})
		if !ok || len(values) == 0 {
			return "", nil, xerrors.Newf(xerrors.Schema, "IN condition on %q requires a non-empty value list", c.Column)
		}
		placeholders := strings.Repeat("?, ", len(values))
		placeholders = placeholders[:len(placeholders)-2]
		return c.Column + " IN (" + placeholders + ")", values, nil
	default:
		return "", nil, xerrors.Newf(xerrors.Schema, "unsupported operator %q", c.Op)
	}
}
