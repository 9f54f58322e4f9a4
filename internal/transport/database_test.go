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

package transport

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/stopper"
)

func newDatabaseSource(t *testing.T) (*DatabaseSource, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	src := &DatabaseSource{DB: db, Product: types.ProductSQLite}
	require.NoError(t, src.EnsureSchema(context.Background()))
	return src, db
}

func TestDatabaseSourceDeliversAndDeletesOnSuccess(t *testing.T) {
	src, db := newDatabaseSource(t)
	require.NoError(t, src.Enqueue(context.Background(), []byte(`{"DATA_SOURCE":"CUSTOMERS"}`)))

	n, err := src.drainOnce(context.Background(), func(_ context.Context, body []byte) error {
		require.Contains(t, string(body), "CUSTOMERS")
		return nil
	}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM info_messages`).Scan(&remaining))
	require.Equal(t, 0, remaining)
}

func TestDatabaseSourceLeavesMessageOnProcessError(t *testing.T) {
	src, db := newDatabaseSource(t)
	require.NoError(t, src.Enqueue(context.Background(), []byte(`{}`)))

	n, err := src.drainOnce(context.Background(), func(_ context.Context, _ []byte) error {
		return require.AnError
	}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM info_messages`).Scan(&remaining))
	require.Equal(t, 1, remaining)
}

func TestDatabaseSourceRunStopsOnStopperShutdown(t *testing.T) {
	src, _ := newDatabaseSource(t)
	src.PollInterval = 0

	sc := stopper.WithContext(context.Background())
	var mu sync.Mutex
	var seen []string

	sc.Go(func() error {
		return src.Run(sc, func(_ context.Context, body []byte) error {
			mu.Lock()
			seen = append(seen, string(body))
			mu.Unlock()
			return nil
		})
	})

	require.NoError(t, src.Enqueue(context.Background(), []byte(`{"DATA_SOURCE":"CUSTOMERS"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond, "message never delivered")

	sc.Stop(time.Second)
}
