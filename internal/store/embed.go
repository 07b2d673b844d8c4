// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package store

import "embed"

// EmbedMigrations contains the embedded SQL migration files that define
// the dataset/field/segment/code/position/gene schema.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
