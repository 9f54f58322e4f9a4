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

package dialect

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/entitymart/replicator/internal/types"
)

// arrayChunkWidth bounds how many "?" placeholders a single IN-list
// template expands to before SelectArrayParam splits the values into
// multiple OR'd predicates; SQLite's default SQLITE_MAX_VARIABLE_NUMBER
// is comfortably above this but keeping queries a fixed shape matters
// more for plan caching than headroom.
const arrayChunkWidth = 250

type sqlite struct{}

var _ types.Dialect = (*sqlite)(nil)

func (s *sqlite) Product() types.Product { return types.ProductSQLite }

func (s *sqlite) Upsert(
	ctx context.Context, q types.Querier, table string, keys, values map[string]any,
) error {
	all := make(map[string]any, len(keys)+len(values))
	for k, v := range keys {
		all[k] = v
	}
	for k, v := range values {
		all[k] = v
	}
	all = boolToSmallint(all)
	cols := sortedColumns(all)

	args := make([]any, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		args[i] = all[c]
		placeholders[i] = "?"
	}

	keyCols := sortedColumns(keys)
	var setClauses []string
	for _, c := range cols {
		if !contains(keyCols, c) {
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(keyCols, ", "), strings.Join(orDefault(setClauses, "rowid = rowid"), ", "),
	)
	_, err := q.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "sqlite upsert")
}

func (s *sqlite) BatchUpsert(
	ctx context.Context, q types.Querier, table string, keyCols []string, rows []map[string]any,
) error {
	for _, row := range rows {
		keys := make(map[string]any, len(keyCols))
		values := make(map[string]any, len(row))
		for k, v := range row {
			if contains(keyCols, k) {
				keys[k] = v
			} else {
				values[k] = v
			}
		}
		if err := s.Upsert(ctx, q, table, keys, values); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlite) FetchForUpdate(
	ctx context.Context, tx types.Querier, table string, keys map[string]any, dest map[string]*any,
) (bool, error) {
	// SQLite has no row-level locking; BEGIN IMMEDIATE on the
	// enclosing transaction already serializes writers, so this is a
	// plain read.
	keyCols := sortedColumns(keys)
	destCols := sortedColumns(dest)

	var where []string
	args := make([]any, 0, len(keyCols))
	for _, c := range keyCols {
		where = append(where, fmt.Sprintf("%s = ?", c))
		args = append(args, keys[c])
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(destCols, ", "), table, strings.Join(where, " AND "))

	scanDest := make([]any, len(destCols))
	for i, c := range destCols {
		scanDest[i] = dest[c]
	}

	row := tx.QueryRowContext(ctx, query, args...)
	if err := row.Scan(scanDest...); err != nil {
		if errors.Is(err, errNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "sqlite fetchForUpdate")
	}
	return true, nil
}

// SelectArrayParam emulates PostgreSQL's native array parameter with a
// chunked "IN (?,?,...)" template, since SQLite has no array type.
func (s *sqlite) SelectArrayParam(column string, values []any) (string, []any) {
	if len(values) <= arrayChunkWidth {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		return fmt.Sprintf("%s IN (%s)", column, placeholders), values
	}

	var clauses []string
	var args []any
	for i := 0; i < len(values); i += arrayChunkWidth {
		end := i + arrayChunkWidth
		if end > len(values) {
			end = len(values)
		}
		chunk := values[i:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, placeholders))
		args = append(args, chunk...)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}
