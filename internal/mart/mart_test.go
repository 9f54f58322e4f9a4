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

package mart

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/types"
)

func TestEntityHashIsOrderIndependent(t *testing.T) {
	records := []types.ResolvedRecord{
		{DataSource: "CUSTOMERS", RecordID: "REC2"},
		{DataSource: "CUSTOMERS", RecordID: "REC1"},
	}
	reversed := []types.ResolvedRecord{records[1], records[0]}

	require.Equal(t, EntityHash("Acme", records, nil), EntityHash("Acme", reversed, nil))
}

func TestEntityHashChangesWithContent(t *testing.T) {
	a := EntityHash("Acme", []types.ResolvedRecord{{DataSource: "CUSTOMERS", RecordID: "REC1"}}, nil)
	b := EntityHash("Acme", []types.ResolvedRecord{{DataSource: "CUSTOMERS", RecordID: "REC2"}}, nil)
	require.NotEqual(t, a, b)
}

func TestUpsertThenLoadEntityRoundTrips(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, schema.Ensure(ctx, db, types.ProductSQLite, false))

	repo := &Repository{Dialect: dialect.New(types.ProductSQLite)}

	row := EntityRow{EntityID: 100, EntityName: "Acme", RecordCount: 1, EntityHash: "h1"}
	require.NoError(t, repo.UpsertEntity(ctx, db, row, "test", 0))
	require.NoError(t, repo.UpsertRecord(ctx, db, 100, types.ResolvedRecord{DataSource: "CUSTOMERS", RecordID: "REC1"}, "test", 0))

	loaded, records, _, err := repo.LoadEntity(ctx, db, 100)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, "Acme", loaded.EntityName)
	require.Equal(t, "h1", loaded.EntityHash)
	require.Len(t, records, 1)
	require.Equal(t, "REC1", records[0].RecordID)
}

func TestFindRecordOwner(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, schema.Ensure(ctx, db, types.ProductSQLite, false))

	repo := &Repository{Dialect: dialect.New(types.ProductSQLite)}
	require.NoError(t, repo.UpsertEntity(ctx, db, EntityRow{EntityID: 100, EntityName: "Acme"}, "test", 0))
	require.NoError(t, repo.UpsertRecord(ctx, db, 100, types.ResolvedRecord{DataSource: "CUSTOMERS", RecordID: "REC1"}, "test", 0))

	entityID, ok, err := repo.FindRecordOwner(ctx, db, "CUSTOMERS", "REC1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), entityID)

	_, ok, err = repo.FindRecordOwner(ctx, db, "CUSTOMERS", "MISSING")
	require.NoError(t, err)
	require.False(t, ok)
}
