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

package reportupdater

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/locks"
	"github.com/entitymart/replicator/internal/scheduler"
	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/types"
)

func newFixture(t *testing.T) (*sql.DB, *Handler) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schema.Ensure(context.Background(), db, types.ProductSQLite, false))

	h := &Handler{
		Scheduler: &scheduler.Service{DB: db, Product: types.ProductSQLite, MaxRetry: 3},
		Dialect:   dialect.New(types.ProductSQLite),
		Product:   types.ProductSQLite,
		Rate:      config.Aggressive,
		OwnerID:   "test-worker",
	}
	return db, h
}

func insertPending(t *testing.T, db *sql.DB, reportKey string, entityID, relatedID, entityDelta, recordDelta, relationDelta int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO pending_report
		(report_key, entity_id, related_id, entity_delta, record_delta, relation_delta, created_on, created_by)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'test')`, reportKey, entityID, relatedID, entityDelta, recordDelta, relationDelta)
	require.NoError(t, err)
}

// runUpdateReport mimics the dispatcher's acquire-before-begin-tx
// sequencing: the report's lease is acquired (and released) on the
// shared *sql.DB outside of the transaction, since SQLite's
// single-connection pool would otherwise deadlock a lease acquisition
// against an already-open tx.
func runUpdateReport(t *testing.T, db *sql.DB, h *Handler, reportKey string) {
	t.Helper()
	params, err := json.Marshal(Params{ReportKey: reportKey})
	require.NoError(t, err)
	task := types.Task{Action: "update-report", Parameters: params}

	key, ok, err := h.LockKey(task)
	require.NoError(t, err)
	require.True(t, ok)

	leases := &locks.Manager{DB: db}
	lease, err := leases.Acquire(context.Background(), key, "test-worker", config.Aggressive.LeaseTimeout)
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := h.Handle(context.Background(), tx, task); err != nil {
		_ = tx.Rollback()
		require.NoError(t, err)
		return
	}
	require.NoError(t, tx.Commit())
}

func TestUpdateReportFoldsDeltasIntoDetailAndReport(t *testing.T) {
	db, h := newFixture(t)
	insertPending(t, db, "DS:CUSTOMERS", 1, 0, 1, 1, 0)
	insertPending(t, db, "DS:CUSTOMERS", 2, 0, 1, 1, 0)

	runUpdateReport(t, db, h, "DS:CUSTOMERS")

	var entityCount, recordCount int64
	require.NoError(t, db.QueryRow(`SELECT entity_count, record_count FROM report WHERE report_key = ?`, "DS:CUSTOMERS").
		Scan(&entityCount, &recordCount))
	require.Equal(t, int64(2), entityCount)
	require.Equal(t, int64(2), recordCount)

	var detailRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM report_detail WHERE report_key = ?`, "DS:CUSTOMERS").Scan(&detailRows))
	require.Equal(t, 2, detailRows)

	var pendingLeft int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pending_report`).Scan(&pendingLeft))
	require.Equal(t, 0, pendingLeft)
}

func TestUpdateReportDeletesZeroedDetailRow(t *testing.T) {
	db, h := newFixture(t)
	insertPending(t, db, "DS:CUSTOMERS", 1, 0, 1, 1, 0)
	runUpdateReport(t, db, h, "DS:CUSTOMERS")

	insertPending(t, db, "DS:CUSTOMERS", 1, 0, -1, -1, 0)
	runUpdateReport(t, db, h, "DS:CUSTOMERS")

	var detailRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM report_detail WHERE report_key = ?`, "DS:CUSTOMERS").Scan(&detailRows))
	require.Equal(t, 0, detailRows)

	var entityCount int64
	require.NoError(t, db.QueryRow(`SELECT entity_count FROM report WHERE report_key = ?`, "DS:CUSTOMERS").Scan(&entityCount))
	require.Equal(t, int64(0), entityCount)
}

func TestUpdateReportRequeuesWhenBacklogRemains(t *testing.T) {
	db, h := newFixture(t)
	h.BatchSize = 1
	insertPending(t, db, "DS:CUSTOMERS", 1, 0, 0, 1, 0)
	insertPending(t, db, "DS:CUSTOMERS", 2, 0, 0, 1, 0)

	runUpdateReport(t, db, h, "DS:CUSTOMERS")

	var pendingLeft int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pending_report`).Scan(&pendingLeft))
	require.Equal(t, 1, pendingLeft)

	time.Sleep(config.Aggressive.ReportUpdatePeriod)
	tasks, err := h.Scheduler.Claim(context.Background(), 10, "test-worker", config.Aggressive.LeaseTimeout)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "update-report", tasks[0].Action)
}

func TestUpdateReportWithNoPendingRowsIsNoop(t *testing.T) {
	db, h := newFixture(t)
	runUpdateReport(t, db, h, "DS:NONE")

	var reportRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM report`).Scan(&reportRows))
	require.Equal(t, 0, reportRows)
}
