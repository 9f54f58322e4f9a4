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

type postgres struct{}

var _ types.Dialect = (*postgres)(nil)

func (p *postgres) Product() types.Product { return types.ProductPostgreSQL }

func (p *postgres) Upsert(
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
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	keyCols := sortedColumns(keys)
	var setClauses []string
	for _, c := range cols {
		if !contains(keyCols, c) {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(keyCols, ", "), strings.Join(orDefault(setClauses, "updated_on = updated_on"), ", "),
	)
	_, err := q.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "postgres upsert")
}

func (p *postgres) BatchUpsert(
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
		if err := p.Upsert(ctx, q, table, keys, values); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgres) FetchForUpdate(
	ctx context.Context, tx types.Querier, table string, keys map[string]any, dest map[string]*any,
) (bool, error) {
	keyCols := sortedColumns(keys)
	destCols := sortedColumns(dest)

	var where []string
	args := make([]any, 0, len(keyCols))
	for i, c := range keyCols {
		where = append(where, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, keys[c])
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s FOR UPDATE",
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
		return false, errors.Wrap(err, "postgres fetchForUpdate")
	}
	return true, nil
}

func (p *postgres) SelectArrayParam(column string, values []any) (string, []any) {
	return fmt.Sprintf("%s = ANY($1)", column), []any{values}
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func orDefault(ss []string, fallback string) []string {
	if len(ss) == 0 {
		return []string{fallback}
	}
	return ss
}
