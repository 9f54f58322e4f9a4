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

package locks

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE locks (resource_key TEXT PRIMARY KEY, modifier_id TEXT NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAcquireAndRelease(t *testing.T) {
	db := openTestDB(t)
	mgr := &Manager{DB: db}
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "entity:100", "worker-a", time.Second)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM locks WHERE resource_key = 'entity:100'`).Scan(&count))
	require.Equal(t, 1, count)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM locks WHERE resource_key = 'entity:100'`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestAcquireBusyTimesOut(t *testing.T) {
	db := openTestDB(t)
	mgr := &Manager{DB: db}
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "entity:200", "worker-a", time.Second)
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "entity:200", "worker-b", 150*time.Millisecond)
	require.Error(t, err)

	busy, ok := types.IsLeaseBusy(err)
	require.True(t, ok)
	require.Equal(t, "entity:200", busy.ResourceKey)
}

func TestReapDeletesAllLocks(t *testing.T) {
	db := openTestDB(t)
	mgr := &Manager{DB: db}
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "entity:1", "worker-a", time.Second)
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "entity:2", "worker-a", time.Second)
	require.NoError(t, err)

	n, err := mgr.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
