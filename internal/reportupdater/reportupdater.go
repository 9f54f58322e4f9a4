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

// Package reportupdater implements the "update-report" handler: it
// drains the pending_report queue for one report_key, folds the
// signed deltas into report_detail, and recomputes the report row as
// the sum of its details. Regardless of the order pending rows were
// produced in, the report tables converge to a pure function of the
// current entity/record/relation tables.
package reportupdater

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/types"
)

// Params is the JSON shape of an update-report task's parameters.
type Params struct {
	ReportKey string `json:"report_key"`
}

// DefaultBatchSize bounds how many pending_report rows one run of the
// handler folds in, so a single invocation has a predictable cost
// regardless of how deep the backlog for a key has grown.
const DefaultBatchSize = 100

// Handler implements types.Handler for the "update-report" action.
// The caller is responsible for holding the "report:<key>" lease (see
// LockKey) for the duration of Handle.
type Handler struct {
	Scheduler types.Scheduler
	Dialect   types.Dialect
	Product   types.Product
	Rate      config.Rate
	Stats     types.Stats
	OwnerID   string
	BatchSize int // defaults to DefaultBatchSize when <= 0
}

var (
	_ types.Handler   = (*Handler)(nil)
	_ types.LockKeyer = (*Handler)(nil)
)

type delta struct {
	entityID, relatedID                    int64
	entityDelta, recordDelta, relationDelta int64
}

// LockKey implements types.LockKeyer: every update-report task locks
// its target report key.
func (h *Handler) LockKey(task types.Task) (string, bool, error) {
	var params Params
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return "", false, apperrors.NewDeadLetter("malformed update-report parameters", err)
	}
	return fmt.Sprintf("report:%s", params.ReportKey), true, nil
}

// Handle folds one batch of pending rows for a report key.
func (h *Handler) Handle(ctx context.Context, tx types.Querier, task types.Task) error {
	var params Params
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return apperrors.NewDeadLetter("malformed update-report parameters", err)
	}

	batchSize := h.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ids, deltas, hasMore, err := h.loadPendingBatch(ctx, tx, params.ReportKey, batchSize)
	if err != nil {
		return apperrors.NewRetryable(err)
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC().UnixMicro()
	for key, d := range deltas {
		if err := h.applyDetailDelta(ctx, tx, params.ReportKey, key.entityID, key.relatedID, d, now); err != nil {
			return apperrors.NewRetryable(err)
		}
	}

	if err := h.recomputeReport(ctx, tx, params.ReportKey, now); err != nil {
		return apperrors.NewRetryable(err)
	}

	if err := h.deletePending(ctx, tx, ids); err != nil {
		return apperrors.NewRetryable(err)
	}

	if hasMore {
		sig := "update-report:" + params.ReportKey
		paramsJSON, _ := json.Marshal(params)
		visibleAt := time.UnixMicro(now).Add(h.Rate.ReportUpdatePeriod)
		if err := h.Scheduler.Commit(ctx, tx, "update-report", sig, paramsJSON, visibleAt); err != nil {
			return apperrors.NewRetryable(err)
		}
	}

	if h.Stats != nil {
		h.Stats.Inc("reports.updated", 1)
	}
	return nil
}

type detailKey struct {
	entityID, relatedID int64
}

func (h *Handler) loadPendingBatch(ctx context.Context, tx types.Querier, reportKey string, batchSize int) ([]int64, map[detailKey]delta, bool, error) {
	rows, err := tx.QueryContext(ctx, dialect.Rewrite(h.Product, `
		SELECT id, entity_id, related_id, entity_delta, record_delta, relation_delta
		FROM pending_report WHERE report_key = ?1 ORDER BY id ASC LIMIT ?2`),
		reportKey, batchSize+1)
	if err != nil {
		return nil, nil, false, errors.Wrap(err, "could not select pending report rows")
	}
	defer rows.Close()

	var ids []int64
	deltas := make(map[detailKey]delta)
	for rows.Next() {
		var id, entityID, relatedID, entityDelta, recordDelta, relationDelta int64
		if err := rows.Scan(&id, &entityID, &relatedID, &entityDelta, &recordDelta, &relationDelta); err != nil {
			return nil, nil, false, errors.Wrap(err, "could not scan pending report row")
		}
		if len(ids) >= batchSize {
			// This row exists only to detect a remaining backlog; it
			// is left unprocessed for the next run.
			return ids, deltas, true, nil
		}
		ids = append(ids, id)
		key := detailKey{entityID, relatedID}
		d := deltas[key]
		d.entityID, d.relatedID = entityID, relatedID
		d.entityDelta += entityDelta
		d.recordDelta += recordDelta
		d.relationDelta += relationDelta
		deltas[key] = d
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, errors.Wrap(err, "could not iterate pending report rows")
	}
	return ids, deltas, false, nil
}

func (h *Handler) applyDetailDelta(ctx context.Context, tx types.Querier, reportKey string, entityID, relatedID int64, d delta, now int64) error {
	var entityCount, recordCount, relationCount any
	dest := map[string]*any{
		"entity_count": &entityCount, "record_count": &recordCount, "relation_count": &relationCount,
	}
	keys := map[string]any{"report_key": reportKey, "entity_id": entityID, "related_id": relatedID}
	found, err := h.Dialect.FetchForUpdate(ctx, tx, "report_detail", keys, dest)
	if err != nil {
		return errors.Wrap(err, "could not read existing report_detail row")
	}

	newEntity := toInt64(entityCount) + d.entityDelta
	newRecord := toInt64(recordCount) + d.recordDelta
	newRelation := toInt64(relationCount) + d.relationDelta

	if found && newEntity == 0 && newRecord == 0 && newRelation == 0 {
		_, err := tx.ExecContext(ctx, dialect.Rewrite(h.Product, `
			DELETE FROM report_detail WHERE report_key = ?1 AND entity_id = ?2 AND related_id = ?3`),
			reportKey, entityID, relatedID)
		return errors.Wrap(err, "could not delete zeroed report_detail row")
	}
	if !found && newEntity == 0 && newRecord == 0 && newRelation == 0 {
		return nil
	}

	values := map[string]any{
		"entity_count": newEntity, "record_count": newRecord, "relation_count": newRelation,
		"modified_by": h.OwnerID, "modified_on": now,
	}
	if !found {
		values["created_by"] = h.OwnerID
		values["created_on"] = now
	}
	return errors.Wrap(h.Dialect.Upsert(ctx, tx, "report_detail", keys, values), "could not upsert report_detail row")
}

func (h *Handler) recomputeReport(ctx context.Context, tx types.Querier, reportKey string, now int64) error {
	row := tx.QueryRowContext(ctx, dialect.Rewrite(h.Product, `
		SELECT COALESCE(SUM(entity_count), 0), COALESCE(SUM(record_count), 0), COALESCE(SUM(relation_count), 0)
		FROM report_detail WHERE report_key = ?1`), reportKey)

	var entityCount, recordCount, relationCount int64
	if err := row.Scan(&entityCount, &recordCount, &relationCount); err != nil {
		return errors.Wrap(err, "could not sum report_detail rows")
	}

	var existing any
	found, err := h.Dialect.FetchForUpdate(ctx, tx, "report",
		map[string]any{"report_key": reportKey}, map[string]*any{"statistic_count": &existing})
	if err != nil {
		return errors.Wrap(err, "could not read existing report row")
	}

	values := map[string]any{
		"entity_count": entityCount, "record_count": recordCount, "relation_count": relationCount,
		"statistic_count": 0, "modified_by": h.OwnerID, "modified_on": now,
	}
	if !found {
		values["created_by"] = h.OwnerID
		values["created_on"] = now
	} else {
		values["statistic_count"] = toInt64(existing)
	}
	return errors.Wrap(h.Dialect.Upsert(ctx, tx, "report", map[string]any{"report_key": reportKey}, values),
		"could not upsert report row")
}

func (h *Handler) deletePending(ctx context.Context, tx types.Querier, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, dialect.Rewrite(h.Product, `DELETE FROM pending_report WHERE id = ?1`), id); err != nil {
			return errors.Wrap(err, "could not delete processed pending report row")
		}
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
