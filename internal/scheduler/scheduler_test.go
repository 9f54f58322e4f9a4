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

package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))
	return &Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3}
}

func TestCommitClaimComplete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{"entity_id":100}`), time.Now()))

	tasks, err := s.Claim(ctx, 10, "worker-1", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "refresh-entity", tasks[0].Action)
	require.Equal(t, int64(1), tasks[0].Multiplicity)

	require.NoError(t, s.Complete(ctx, s.DB, tasks[0].ID))

	remaining, err := s.Claim(ctx, 10, "worker-1", time.Second)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestCommitDedupesBySignature(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), time.Now()))
	}

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM tasks`).Scan(&count))
	require.Equal(t, 1, count)

	var multiplicity int64
	require.NoError(t, s.DB.QueryRow(`SELECT multiplicity FROM tasks`).Scan(&multiplicity))
	require.Equal(t, int64(5), multiplicity)
}

func TestCommitUsesEarlierVisibleAt(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	earlier := time.Now()

	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), later))
	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), earlier))

	tasks, err := s.Claim(ctx, 10, "worker-1", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "task committed with an earlier visible_at must be immediately claimable")
}

func TestFailRequeuesUntilMaxAttempts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), time.Now()))
	tasks, err := s.Claim(ctx, 10, "worker-1", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, s.Fail(ctx, s.DB, tasks[0].ID, "transient", time.Millisecond))

	var deadReason sql.NullString
	var attemptCount int
	require.NoError(t, s.DB.QueryRow(`SELECT dead_reason, attempt_count FROM tasks WHERE task_id = ?`, tasks[0].ID).
		Scan(&deadReason, &attemptCount))
	require.False(t, deadReason.Valid)
	require.Equal(t, 1, attemptCount)
}

func TestFailDeadLettersAfterMaxAttempts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), time.Now()))

	for i := 0; i < s.MaxRetry; i++ {
		tasks, err := s.Claim(ctx, 10, "worker-1", time.Second)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.NoError(t, s.Fail(ctx, s.DB, tasks[0].ID, "transient", time.Millisecond))
		time.Sleep(10 * time.Millisecond) // let the retry backoff elapse before the next claim
	}

	var deadReason sql.NullString
	require.NoError(t, s.DB.QueryRow(`SELECT dead_reason FROM tasks`).Scan(&deadReason))
	require.True(t, deadReason.Valid)
	require.Equal(t, "transient", deadReason.String)
}

func TestReapExpiredLeases(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, s.DB, "refresh-entity", "sig:100", []byte(`{}`), time.Now()))
	tasks, err := s.Claim(ctx, 10, "worker-1", -time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	n, err := s.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	again, err := s.Claim(ctx, 10, "worker-2", time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
}
