// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSimpleSelect(t *testing.T) {
	sql, args, err := Compile(Query{
		Select: []Column{{Name: "name"}},
		From:   "dataset",
		OrderBy: []OrderTerm{
			{Column: "id"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM dataset ORDER BY id ASC", sql)
	assert.Empty(t, args)
}

func TestCompileWhereAndLimit(t *testing.T) {
	sql, args, err := Compile(Query{
		Select: []Column{{Name: "name", Alias: "dataset_name"}},
		From:   "dataset",
		Where: []Condition{
			{Column: "status", Op: "=", Value: "loaded"},
		},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT name AS dataset_name FROM dataset WHERE status = ? LIMIT ?", sql)
	assert.Equal(t, []interface{}{"loaded", int64(10)}, args)
}

func TestCompileTableLiteralJoin(t *testing.T) {
	sql, args, err := Compile(Query{
		Select: []Column{{Name: "field.name"}},
		From:   "field",
		Joins: []Join{
			{
				Table: TableLiteral{Alias: "names", Column: "name", Values: []interface{}{"probe1", "probe2"}},
				On:    [2]string{"field.name", "names.name"},
			},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "WITH names(name) AS (VALUES (?), (?))")
	assert.Contains(t, sql, "JOIN names ON field.name = names.name")
	assert.Equal(t, []interface{}{"probe1", "probe2"}, args)
}

func TestCompileRejectsInvalidIdentifier(t *testing.T) {
	_, _, err := Compile(Query{
		Select: []Column{{Name: "name; DROP TABLE dataset"}},
		From:   "dataset",
	})
	assert.Error(t, err)
}

func TestCompileRejectsEmptyInList(t *testing.T) {
	_, _, err := Compile(Query{
		Select: []Column{{Name: "name"}},
		From:   "dataset",
		Where: []Condition{
			{Column: "name", Op: "IN", Value: []interface{}{}},
		},
	})
	assert.Error(t, err)
}

func TestCompileRequiresConcreteColumn(t *testing.T) {
	_, _, err := Compile(Query{
		Select: []Column{{Name: "value", Func: "lookup_row", FuncArgs: [2]string{"field_id", "row"}}},
		From:   "field_score",
	})
	assert.Error(t, err)
}
