// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package ident provides quoted-identifier value types for the
// tables and columns that make up the data mart schema, so that SQL
// fragments built by the dialect and schema packages never
// string-concatenate raw, unescaped names.
package ident

import (
	"fmt"
	"strings"
)

// Ident is a single, case-preserving SQL identifier.
type Ident struct {
	raw string
}

// New wraps raw as an Ident. It does not validate raw; callers are
// expected to pass compile-time constants or values already validated
// by the schema builder.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the unquoted identifier text.
func (i Ident) Raw() string { return i.raw }

// String returns the unquoted identifier text, for use in error
// messages and logging.
func (i Ident) String() string { return i.raw }

// Quoted returns the identifier wrapped in double quotes, with any
// embedded quote doubled, which both PostgreSQL and SQLite accept as
// the standard identifier-quoting syntax.
func (i Ident) Quoted() string {
	return `"` + strings.ReplaceAll(i.raw, `"`, `""`) + `"`
}

// Table identifies a table within a schema.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable builds a Table from raw schema and table names.
func NewTable(schema, name string) Table {
	return Table{Schema: New(schema), Name: New(name)}
}

// Qualified returns the dialect-neutral "schema"."table" form. When
// Schema is empty, only the table name is quoted.
func (t Table) Qualified() string {
	if t.Schema.Raw() == "" {
		return t.Name.Quoted()
	}
	return fmt.Sprintf("%s.%s", t.Schema.Quoted(), t.Name.Quoted())
}

// String implements fmt.Stringer for logging.
func (t Table) String() string {
	if t.Schema.Raw() == "" {
		return t.Name.Raw()
	}
	return t.Schema.Raw() + "." + t.Name.Raw()
}
