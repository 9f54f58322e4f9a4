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

package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/refresh"
	"github.com/entitymart/replicator/internal/scheduler"
	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/types"
)

func newListener(t *testing.T) (*Listener, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3}
	l := New(db, sched, nil)
	require.NoError(t, l.Init(context.Background()))
	return l, db
}

func TestProcessRejectedBeforeInit(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))

	l := New(db, &scheduler.Service{DB: db, Product: types.ProductSQLite}, nil)
	err = l.Process(context.Background(), []byte(`{}`))
	require.Error(t, err)
}

func TestProcessQueuesRefreshForAffectedEntities(t *testing.T) {
	l, db := newListener(t)

	msg := `{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"REC1","AFFECTED_ENTITIES":[{"ENTITY_ID":100}]}`
	require.NoError(t, l.Process(context.Background(), []byte(msg)))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite}
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "refresh-entity", tasks[0].Action)

	var params refresh.Params
	require.NoError(t, json.Unmarshal(tasks[0].Parameters, &params))
	require.Equal(t, int64(100), params.EntityID)
}

func TestProcessQueuesProcessRecordWhenNoAffectedEntities(t *testing.T) {
	l, db := newListener(t)

	msg := `{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"REC1"}`
	require.NoError(t, l.Process(context.Background(), []byte(msg)))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite}
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "process-record", tasks[0].Action)
}

func TestProcessQueuesInterestingAndNotices(t *testing.T) {
	l, db := newListener(t)

	msg := `{
		"INTERESTING_ENTITIES": {
			"ENTITIES": [{"ENTITY_ID": 200, "DEGREES": 1, "FLAGS": ["AMBIGUOUS"]}],
			"NOTICES": [{"CODE": "DUPLICATE_RECORD", "DESCRIPTION": "already loaded"}]
		}
	}`
	require.NoError(t, l.Process(context.Background(), []byte(msg)))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite}
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	actions := map[string]bool{}
	for _, task := range tasks {
		actions[task.Action] = true
	}
	require.True(t, actions["handle-interesting"])
	require.True(t, actions["handle-notice"])
}

func TestProcessTolerantAlternateFieldNames(t *testing.T) {
	l, db := newListener(t)

	msg := `{"AFFECTED_ENTITIES":[{"id":300}]}`
	require.NoError(t, l.Process(context.Background(), []byte(msg)))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite}
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	var params refresh.Params
	require.NoError(t, json.Unmarshal(tasks[0].Parameters, &params))
	require.Equal(t, int64(300), params.EntityID)
}

func TestProcessRejectsInvalidJSON(t *testing.T) {
	l, _ := newListener(t)
	err := l.Process(context.Background(), []byte("not json"))
	require.Error(t, err)
}

func TestMessagePartSkippedWhenNotInActionMap(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite}
	l := New(db, sched, map[string]string{PartRecord: "process-record"})
	require.NoError(t, l.Init(context.Background()))

	msg := `{"AFFECTED_ENTITIES":[{"ENTITY_ID":100}]}`
	require.NoError(t, l.Process(context.Background(), []byte(msg)))

	tasks, err := sched.Claim(context.Background(), 10, "test-worker", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 0)
}

func TestDestroyIsIdempotentAndConcurrencySafe(t *testing.T) {
	l, _ := newListener(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Destroy(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	err := l.Process(context.Background(), []byte(`{}`))
	require.Error(t, err)
}
