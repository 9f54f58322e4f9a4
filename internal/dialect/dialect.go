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

// Package dialect abstracts the PostgreSQL/SQLite differences in
// upsert syntax, timestamp maintenance, and array-parameter passing
// behind a single types.Dialect implementation per backend.
package dialect

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/entitymart/replicator/internal/types"
)

// errNoRows is shared by both dialect implementations' FetchForUpdate
// to detect a missing row without importing database/sql twice.
var errNoRows = sql.ErrNoRows

// New returns the dialect adapter for the pool's product.
func New(product types.Product) types.Dialect {
	switch product {
	case types.ProductPostgreSQL:
		return &postgres{}
	case types.ProductSQLite:
		return &sqlite{}
	default:
		panic(fmt.Sprintf("dialect: unsupported product %v", product))
	}
}

// Rewrite translates "?1", "?2", ... numbered placeholders into the
// bind-parameter syntax a product's driver expects: "$1", "$2", ...
// for PostgreSQL, or bare repeated "?" for SQLite. Writing queries
// once against numbered placeholders lets scheduler and report-update
// code share the same SQL text across both backends.
func Rewrite(product types.Product, query string) string {
	out := make([]byte, 0, len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '?' && i+1 < len(query) && query[i+1] >= '1' && query[i+1] <= '9' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if product == types.ProductPostgreSQL {
				out = append(out, '$')
				out = append(out, query[i+1:j]...)
			} else {
				out = append(out, '?')
			}
			i = j - 1
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// sortedColumns returns a deterministic column ordering for a row map,
// since map iteration order is unspecified and prepared-statement
// placeholder order must match argument order exactly.
func sortedColumns(m map[string]any) []string {
	cols := make([]string, 0, len(m))
	for k := range m {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// boolToSmallint stores every boolean as SMALLINT (0/1), per the
// connection-pool component's portability requirement.
func boolToSmallint(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if b, ok := v.(bool); ok {
			if b {
				out[k] = 1
			} else {
				out[k] = 0
			}
			continue
		}
		out[k] = v
	}
	return out
}
