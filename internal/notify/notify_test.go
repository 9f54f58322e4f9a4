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

package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/mart"
	"github.com/entitymart/replicator/internal/scheduler"
	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/types"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))
	return db
}

func TestRecordHandlerQueuesRefreshForKnownOwner(t *testing.T) {
	db := newDB(t)
	repo := &mart.Repository{Dialect: dialect.New(types.ProductSQLite)}
	require.NoError(t, repo.UpsertEntity(context.Background(), db, mart.EntityRow{EntityID: 7, EntityName: "Acme"}, "test", 0))
	require.NoError(t, repo.UpsertRecord(context.Background(), db, 7, types.ResolvedRecord{DataSource: "CUSTOMERS", RecordID: "R1"}, "test", 0))

	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3}
	h := &RecordHandler{Mart: repo, Scheduler: sched, Rate: config.Aggressive}

	params, _ := json.Marshal(RecordParams{DataSource: "CUSTOMERS", RecordID: "R1"})
	task := types.Task{Action: "process-record", Parameters: params}

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), tx, task))
	require.NoError(t, tx.Commit())

	time.Sleep(config.Aggressive.FollowUpDelay)
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", config.Aggressive.LeaseTimeout)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "refresh-entity", tasks[0].Action)
}

func TestRecordHandlerNoopsForUnknownOwner(t *testing.T) {
	db := newDB(t)
	repo := &mart.Repository{Dialect: dialect.New(types.ProductSQLite)}
	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3}
	h := &RecordHandler{Mart: repo, Scheduler: sched, Rate: config.Aggressive}

	params, _ := json.Marshal(RecordParams{DataSource: "CUSTOMERS", RecordID: "MISSING"})
	task := types.Task{Action: "process-record", Parameters: params}

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), tx, task))
	require.NoError(t, tx.Commit())

	time.Sleep(config.Aggressive.FollowUpDelay)
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", config.Aggressive.LeaseTimeout)
	require.NoError(t, err)
	require.Len(t, tasks, 0)
}

func TestInterestingHandlerQueuesRefresh(t *testing.T) {
	db := newDB(t)
	sched := &scheduler.Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3}
	h := &InterestingHandler{Scheduler: sched, Rate: config.Aggressive}

	params, _ := json.Marshal(InterestingParams{EntityID: 42, Degrees: 2, Flags: []string{"AMBIGUOUS"}})
	task := types.Task{Action: "handle-interesting", Parameters: params}

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), tx, task))
	require.NoError(t, tx.Commit())

	time.Sleep(config.Aggressive.FollowUpDelay)
	tasks, err := sched.Claim(context.Background(), 10, "test-worker", config.Aggressive.LeaseTimeout)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	var followUp struct {
		EntityID int64 `json:"ENTITY_ID"`
	}
	require.NoError(t, json.Unmarshal(tasks[0].Parameters, &followUp))
	require.Equal(t, int64(42), followUp.EntityID)
}

func TestNoticeHandlerIsPurelyInformational(t *testing.T) {
	h := &NoticeHandler{}
	params, _ := json.Marshal(NoticeParams{Code: "DUPLICATE_RECORD", Description: "record already loaded"})
	task := types.Task{Action: "handle-notice", Parameters: params}

	require.NoError(t, h.Handle(context.Background(), nil, task))
}

func TestRecordHandlerRejectsMalformedParameters(t *testing.T) {
	h := &RecordHandler{}
	task := types.Task{Action: "process-record", Parameters: []byte("not json")}
	err := h.Handle(context.Background(), nil, task)
	require.Error(t, err)
	_, ok := apperrors.IsDeadLetter(err)
	require.True(t, ok)
}
