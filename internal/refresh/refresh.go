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

// Package refresh implements the entity-refresh handler: the core
// algorithm that reads one entity's current resolution from the
// engine, diffs it against the data mart, applies the row-level
// changes, and emits the pending-report deltas the report updater
// later folds into the aggregate tables.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/mart"
	"github.com/entitymart/replicator/internal/reportkey"
	"github.com/entitymart/replicator/internal/types"
)

// Params is the JSON shape of a refresh-entity task's parameters.
type Params struct {
	EntityID int64 `json:"ENTITY_ID"`
}

// Handler implements types.Handler for the "refresh-entity" action.
// The caller is responsible for holding the "entity:<id>" lease (see
// LockKey) for the duration of Handle.
type Handler struct {
	Engine    types.EngineClient
	Mart      *mart.Repository
	Scheduler types.Scheduler
	Rate      config.Rate
	Stats     types.Stats
	OwnerID   string
}

var (
	_ types.Handler   = (*Handler)(nil)
	_ types.LockKeyer = (*Handler)(nil)
)

// LockKey implements types.LockKeyer: every refresh-entity task locks
// its target entity.
func (h *Handler) LockKey(task types.Task) (string, bool, error) {
	var params Params
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return "", false, apperrors.NewDeadLetter("malformed refresh-entity parameters", err)
	}
	return fmt.Sprintf("entity:%d", params.EntityID), true, nil
}

// Handle runs the refresh algorithm for one task. The caller is
// expected to have already begun tx, to hold the entity's lease, and
// to commit tx after Handle returns nil.
func (h *Handler) Handle(ctx context.Context, tx types.Querier, task types.Task) error {
	var params Params
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return apperrors.NewDeadLetter("malformed refresh-entity parameters", err)
	}

	resolution, ok, err := h.Engine.FetchEntity(ctx, params.EntityID)
	if err != nil {
		if apperrors.IsFatal(err) {
			return err
		}
		return apperrors.NewRetryable(err)
	}

	current, curRecords, curRelations, err := h.Mart.LoadEntity(ctx, tx, params.EntityID)
	if err != nil {
		return apperrors.NewRetryable(err)
	}

	now := time.Now().UTC().UnixMicro()

	if !ok || len(resolution.Records) == 0 {
		return h.applyDeletion(ctx, tx, params.EntityID, current, curRecords, curRelations, now)
	}

	newHash := mart.EntityHash(resolution.Name, resolution.Records, resolution.Relations)
	if current.Exists && newHash == current.EntityHash {
		if h.Stats != nil {
			h.Stats.Inc("entities.refreshed_noop", 1)
		}
		return nil
	}

	return h.applyUpsert(ctx, tx, params.EntityID, current, curRecords, curRelations, resolution, newHash, now)
}

func (h *Handler) applyDeletion(
	ctx context.Context, tx types.Querier, entityID int64,
	current mart.EntityRow, curRecords []types.ResolvedRecord, curRelations []types.ResolvedRelation, now int64,
) error {
	if !current.Exists {
		return nil // boundary: nothing to do, no writes, no pending reports
	}

	for _, rel := range curRelations {
		lo, hi := normalize(entityID, rel.RelatedID)
		if err := h.Mart.DeleteRelation(ctx, tx, lo, hi); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRelationDelta(ctx, tx, entityID, rel, -1, now); err != nil {
			return err
		}
		if err := h.queueFollowUp(ctx, tx, rel.RelatedID, now); err != nil {
			return err
		}
	}
	for _, ds := range dataSources(curRecords) {
		if err := h.Mart.InsertPendingReport(ctx, tx, reportkey.DataSource(ds), entityID, 0, -1, 0, 0, h.OwnerID, now); err != nil {
			return apperrors.NewRetryable(err)
		}
	}
	for _, rec := range curRecords {
		if err := h.Mart.DeleteRecord(ctx, tx, rec.DataSource, rec.RecordID); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRecordDelta(ctx, tx, rec, -1, now); err != nil {
			return err
		}
	}
	if err := h.Mart.DeleteEntity(ctx, tx, entityID); err != nil {
		return apperrors.NewRetryable(err)
	}

	if h.Stats != nil {
		h.Stats.Inc("entities.deleted", 1)
	}
	return nil
}

func (h *Handler) applyUpsert(
	ctx context.Context, tx types.Querier, entityID int64,
	current mart.EntityRow, curRecords []types.ResolvedRecord, curRelations []types.ResolvedRelation,
	resolution types.EntityResolution, newHash string, now int64,
) error {
	recInsert, recDelete, recUpdate := diffRecords(curRecords, resolution.Records)
	relInsert, relDelete, relUpdate := diffRelations(curRelations, resolution.Relations)

	// The entity row must exist before any record or relation row that
	// references it is written: record.entity_id and
	// relation.{entity_id,related_id} are both foreign keys against it.
	row := mart.EntityRow{
		Exists:         current.Exists,
		EntityID:       entityID,
		EntityName:     resolution.Name,
		RecordCount:    int64(len(resolution.Records)),
		RelationCount:  int64(len(resolution.Relations)),
		EntityHash:     newHash,
		PrevEntityHash: current.EntityHash,
	}
	if err := h.Mart.UpsertEntity(ctx, tx, row, h.OwnerID, now); err != nil {
		return apperrors.NewRetryable(err)
	}

	for _, rec := range recDelete {
		if err := h.Mart.DeleteRecord(ctx, tx, rec.DataSource, rec.RecordID); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRecordDelta(ctx, tx, rec, -1, now); err != nil {
			return err
		}
	}
	for _, rel := range relDelete {
		lo, hi := normalize(entityID, rel.RelatedID)
		if err := h.Mart.DeleteRelation(ctx, tx, lo, hi); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRelationDelta(ctx, tx, entityID, rel, -1, now); err != nil {
			return err
		}
		if err := h.queueFollowUp(ctx, tx, rel.RelatedID, now); err != nil {
			return err
		}
	}
	for _, upd := range recUpdate {
		if err := h.emitRecordDelta(ctx, tx, upd.old, -1, now); err != nil {
			return err
		}
		if err := h.Mart.UpsertRecord(ctx, tx, entityID, upd.new, h.OwnerID, now); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRecordDelta(ctx, tx, upd.new, 1, now); err != nil {
			return err
		}
	}
	for _, upd := range relUpdate {
		lo, hi := normalize(entityID, upd.new.RelatedID)
		if err := h.emitRelationDelta(ctx, tx, entityID, upd.old, -1, now); err != nil {
			return err
		}
		hash := mart.RelationHash(lo, hi, upd.new)
		if err := h.Mart.UpsertRelation(ctx, tx, lo, hi, upd.new, hash, h.OwnerID, now); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRelationDelta(ctx, tx, entityID, upd.new, 1, now); err != nil {
			return err
		}
	}
	for _, rec := range recInsert {
		if err := h.Mart.UpsertRecord(ctx, tx, entityID, rec, h.OwnerID, now); err != nil {
			return apperrors.NewRetryable(err)
		}
		if err := h.emitRecordDelta(ctx, tx, rec, 1, now); err != nil {
			return err
		}
	}
	for _, rel := range relInsert {
		// A relation row appears only once both endpoints exist in the
		// mart. If the other endpoint hasn't been loaded yet, skip the
		// write (and the report delta that goes with it) but still
		// queue the other endpoint's refresh: when it runs, it will see
		// this entity already present and write the row itself.
		otherExists, err := h.Mart.EntityExists(ctx, tx, rel.RelatedID)
		if err != nil {
			return apperrors.NewRetryable(err)
		}
		if otherExists {
			lo, hi := normalize(entityID, rel.RelatedID)
			hash := mart.RelationHash(lo, hi, rel)
			if err := h.Mart.UpsertRelation(ctx, tx, lo, hi, rel, hash, h.OwnerID, now); err != nil {
				return apperrors.NewRetryable(err)
			}
			if err := h.emitRelationDelta(ctx, tx, entityID, rel, 1, now); err != nil {
				return err
			}
		}
		if err := h.queueFollowUp(ctx, tx, rel.RelatedID, now); err != nil {
			return err
		}
	}

	if !current.Exists {
		for _, ds := range dataSources(resolution.Records) {
			if err := h.Mart.InsertPendingReport(ctx, tx, reportkey.DataSource(ds), entityID, 0, 1, 0, 0, h.OwnerID, now); err != nil {
				return apperrors.NewRetryable(err)
			}
		}
	}

	if h.Stats != nil {
		h.Stats.Inc("entities.refreshed", 1)
	}
	return nil
}

func (h *Handler) emitRecordDelta(ctx context.Context, tx types.Querier, rec types.ResolvedRecord, recordDelta int64, now int64) error {
	key := reportkey.DataSource(rec.DataSource)
	if err := h.Mart.InsertPendingReport(ctx, tx, key, 0, 0, 0, recordDelta, 0, h.OwnerID, now); err != nil {
		return apperrors.NewRetryable(err)
	}
	if rec.MatchKey != "" {
		matchKey := reportkey.Match("RESOLVED", rec.Principle, rec.MatchKey)
		if err := h.Mart.InsertPendingReport(ctx, tx, matchKey, 0, 0, 0, recordDelta, 0, h.OwnerID, now); err != nil {
			return apperrors.NewRetryable(err)
		}
	}
	return nil
}

func (h *Handler) emitRelationDelta(ctx context.Context, tx types.Querier, entityID int64, rel types.ResolvedRelation, relationDelta int64, now int64) error {
	lo, hi := normalize(entityID, rel.RelatedID)
	key := reportkey.Relation(rel.MatchType, rel.Principle, rel.MatchKey)
	if err := h.Mart.InsertPendingReport(ctx, tx, key, lo, hi, 0, 0, relationDelta, h.OwnerID, now); err != nil {
		return apperrors.NewRetryable(err)
	}
	return nil
}

// queueFollowUp schedules a refresh of the other endpoint of a
// relation change, within the same transaction as the rest of this
// handler's writes.
func (h *Handler) queueFollowUp(ctx context.Context, tx types.Querier, entityID int64, now int64) error {
	params, _ := json.Marshal(Params{EntityID: entityID})
	sig := fmt.Sprintf("refresh-entity:%d", entityID)
	visibleAt := time.UnixMicro(now).Add(h.Rate.FollowUpDelay)
	if err := h.Scheduler.Commit(ctx, tx, "refresh-entity", sig, params, visibleAt); err != nil {
		return apperrors.NewRetryable(err)
	}
	return nil
}

func normalize(a, b int64) (lo, hi int64) {
	if a < b {
		return a, b
	}
	return b, a
}

func dataSources(records []types.ResolvedRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !seen[r.DataSource] {
			seen[r.DataSource] = true
			out = append(out, r.DataSource)
		}
	}
	return out
}

// recordUpdate pairs a record's stored attributes with the engine's
// new attributes for the same (data_source, record_id) key.
type recordUpdate struct {
	old, new types.ResolvedRecord
}

// relationUpdate pairs a relation's stored attributes with the
// engine's new attributes for the same related_id key.
type relationUpdate struct {
	old, new types.ResolvedRelation
}

func diffRecords(current, next []types.ResolvedRecord) (insert, del []types.ResolvedRecord, update []recordUpdate) {
	curByKey := make(map[string]types.ResolvedRecord, len(current))
	for _, r := range current {
		curByKey[r.DataSource+"\x00"+r.RecordID] = r
	}
	nextByKey := make(map[string]bool, len(next))
	for _, r := range next {
		key := r.DataSource + "\x00" + r.RecordID
		nextByKey[key] = true
		old, ok := curByKey[key]
		if !ok {
			insert = append(insert, r)
			continue
		}
		if recordChanged(old, r) {
			update = append(update, recordUpdate{old: old, new: r})
		}
	}
	for key, r := range curByKey {
		if !nextByKey[key] {
			del = append(del, r)
		}
	}
	return insert, del, update
}

func recordChanged(a, b types.ResolvedRecord) bool {
	return a.MatchKey != b.MatchKey || a.ErruleCode != b.ErruleCode || a.Principle != b.Principle
}

func diffRelations(current, next []types.ResolvedRelation) (insert, del []types.ResolvedRelation, update []relationUpdate) {
	curByKey := make(map[int64]types.ResolvedRelation, len(current))
	for _, r := range current {
		curByKey[r.RelatedID] = r
	}
	nextByKey := make(map[int64]bool, len(next))
	for _, r := range next {
		nextByKey[r.RelatedID] = true
		old, ok := curByKey[r.RelatedID]
		if !ok {
			insert = append(insert, r)
			continue
		}
		if relationChanged(old, r) {
			update = append(update, relationUpdate{old: old, new: r})
		}
	}
	for id, r := range curByKey {
		if !nextByKey[id] {
			del = append(del, r)
		}
	}
	return insert, del, update
}

func relationChanged(a, b types.ResolvedRelation) bool {
	return a.MatchType != b.MatchType || a.MatchKey != b.MatchKey || a.ErruleCode != b.ErruleCode ||
		a.Principle != b.Principle || a.IsAmbiguous != b.IsAmbiguous || a.IsDisclosed != b.IsDisclosed
}
