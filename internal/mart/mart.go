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

// Package mart is the repository layer over the entity, record,
// relation, report, report_detail, and pending_report tables: it
// reads the data mart's current state for one entity and applies the
// row-level deltas the refresh handler and report updater compute.
package mart

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/types"
)

// Repository reads and writes the data-mart tables through a Dialect,
// so the same code runs against PostgreSQL and SQLite.
type Repository struct {
	Dialect types.Dialect
}

// EntityRow is the current entity table row, or the zero value with
// Exists=false if none.
type EntityRow struct {
	Exists         bool
	EntityID       int64
	EntityName     string
	RecordCount    int64
	RelationCount  int64
	EntityHash     string
	PrevEntityHash string
}

// LoadEntity reads the entity row, its records, and its relations
// under a row lock suitable for a transaction that is about to mutate
// them.
func (r *Repository) LoadEntity(ctx context.Context, tx types.Querier, entityID int64) (EntityRow, []types.ResolvedRecord, []types.ResolvedRelation, error) {
	var entityName, entityHash, prevHash any
	var recordCount, relationCount any
	dest := map[string]*any{
		"entity_name":      &entityName,
		"record_count":     &recordCount,
		"relation_count":   &relationCount,
		"entity_hash":      &entityHash,
		"prev_entity_hash": &prevHash,
	}
	found, err := r.Dialect.FetchForUpdate(ctx, tx, "entity", map[string]any{"entity_id": entityID}, dest)
	if err != nil {
		return EntityRow{}, nil, nil, errors.Wrap(err, "could not load entity row")
	}

	row := EntityRow{Exists: found, EntityID: entityID}
	if found {
		row.EntityName, _ = entityName.(string)
		row.EntityHash, _ = entityHash.(string)
		row.PrevEntityHash, _ = prevHash.(string)
		row.RecordCount = toInt64(recordCount)
		row.RelationCount = toInt64(relationCount)
	}

	records, err := r.recordsForEntity(ctx, tx, entityID)
	if err != nil {
		return EntityRow{}, nil, nil, err
	}
	relations, err := r.relationsForEntity(ctx, tx, entityID)
	if err != nil {
		return EntityRow{}, nil, nil, err
	}
	return row, records, relations, nil
}

func (r *Repository) recordsForEntity(ctx context.Context, tx types.Querier, entityID int64) ([]types.ResolvedRecord, error) {
	rows, err := tx.QueryContext(ctx, dialect.Rewrite(r.Dialect.Product(),
		`SELECT data_source, record_id, match_key, errule_code, principle FROM record WHERE entity_id = ?1`), entityID)
	if err != nil {
		return nil, errors.Wrap(err, "could not query records for entity")
	}
	defer rows.Close()

	var out []types.ResolvedRecord
	for rows.Next() {
		var rec types.ResolvedRecord
		var matchKey, errule, principle any
		if err := rows.Scan(&rec.DataSource, &rec.RecordID, &matchKey, &errule, &principle); err != nil {
			return nil, errors.Wrap(err, "could not scan record row")
		}
		rec.MatchKey, _ = matchKey.(string)
		rec.ErruleCode, _ = errule.(string)
		rec.Principle, _ = principle.(string)
		out = append(out, rec)
	}
	return out, errors.WithStack(rows.Err())
}

func (r *Repository) relationsForEntity(ctx context.Context, tx types.Querier, entityID int64) ([]types.ResolvedRelation, error) {
	rows, err := tx.QueryContext(ctx, dialect.Rewrite(r.Dialect.Product(), `
		SELECT entity_id, related_id, match_type, match_key, errule_code, principle, is_ambiguous, is_disclosed
		FROM relation WHERE entity_id = ?1 OR related_id = ?2`), entityID, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "could not query relations for entity")
	}
	defer rows.Close()

	var out []types.ResolvedRelation
	for rows.Next() {
		var a, b int64
		var rel types.ResolvedRelation
		var matchKey, errule, principle any
		var ambiguous, disclosed int64
		if err := rows.Scan(&a, &b, &rel.MatchType, &matchKey, &errule, &principle, &ambiguous, &disclosed); err != nil {
			return nil, errors.Wrap(err, "could not scan relation row")
		}
		rel.MatchKey, _ = matchKey.(string)
		rel.ErruleCode, _ = errule.(string)
		rel.Principle, _ = principle.(string)
		rel.IsAmbiguous = ambiguous != 0
		rel.IsDisclosed = disclosed != 0
		if a == entityID {
			rel.RelatedID = b
		} else {
			rel.RelatedID = a
		}
		out = append(out, rel)
	}
	return out, errors.WithStack(rows.Err())
}

// EntityHash canonicalizes an entity's record and relation sets into a
// single deterministic digest, so that refresh can tell in O(1)
// whether the engine's resolution has actually changed.
func EntityHash(name string, records []types.ResolvedRecord, relations []types.ResolvedRelation) string {
	sortedRecords := append([]types.ResolvedRecord(nil), records...)
	sort.Slice(sortedRecords, func(i, j int) bool {
		if sortedRecords[i].DataSource != sortedRecords[j].DataSource {
			return sortedRecords[i].DataSource < sortedRecords[j].DataSource
		}
		return sortedRecords[i].RecordID < sortedRecords[j].RecordID
	})
	sortedRelations := append([]types.ResolvedRelation(nil), relations...)
	sort.Slice(sortedRelations, func(i, j int) bool { return sortedRelations[i].RelatedID < sortedRelations[j].RelatedID })

	buf, _ := json.Marshal(struct {
		Name      string
		Records   []types.ResolvedRecord
		Relations []types.ResolvedRelation
	}{name, sortedRecords, sortedRelations})

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// RelationHash canonicalizes a single relation's attributes.
func RelationHash(lo, hi int64, rel types.ResolvedRelation) string {
	buf, _ := json.Marshal(struct {
		Lo, Hi                  int64
		MatchType, MatchKey     string
		ErruleCode, Principle   string
		IsAmbiguous, IsDisclosed bool
	}{lo, hi, rel.MatchType, rel.MatchKey, rel.ErruleCode, rel.Principle, rel.IsAmbiguous, rel.IsDisclosed})
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
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

// UpsertEntity writes the entity row, or creates it on first refresh.
func (r *Repository) UpsertEntity(ctx context.Context, tx types.Querier, row EntityRow, modifiedBy string, nowMicros int64) error {
	values := map[string]any{
		"entity_name":      row.EntityName,
		"record_count":     row.RecordCount,
		"relation_count":   row.RelationCount,
		"entity_hash":      row.EntityHash,
		"prev_entity_hash": row.PrevEntityHash,
		"modified_by":      modifiedBy,
		"modified_on":      nowMicros,
	}
	if !row.Exists {
		values["created_by"] = modifiedBy
		values["created_on"] = nowMicros
	}
	return errors.Wrap(
		r.Dialect.Upsert(ctx, tx, "entity", map[string]any{"entity_id": row.EntityID}, values),
		"could not upsert entity row")
}

// EntityExists reports whether entityID already has a row in the
// entity table. Callers use it to decide whether a relation naming
// entityID as its other endpoint may be written yet, since both
// endpoints of a relation row must exist in the mart.
func (r *Repository) EntityExists(ctx context.Context, tx types.Querier, entityID int64) (bool, error) {
	row := tx.QueryRowContext(ctx, dialect.Rewrite(r.Dialect.Product(),
		`SELECT 1 FROM entity WHERE entity_id = ?1`), entityID)
	var found int64
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "could not check entity existence")
	}
	return true, nil
}

// DeleteEntity removes an entity row once the engine reports no
// records remain for it.
func (r *Repository) DeleteEntity(ctx context.Context, tx types.Querier, entityID int64) error {
	_, err := tx.ExecContext(ctx, dialect.Rewrite(r.Dialect.Product(), `DELETE FROM entity WHERE entity_id = ?1`), entityID)
	return errors.Wrap(err, "could not delete entity row")
}

// UpsertRecord writes one record row.
func (r *Repository) UpsertRecord(ctx context.Context, tx types.Querier, entityID int64, rec types.ResolvedRecord, modifiedBy string, nowMicros int64) error {
	return errors.Wrap(r.Dialect.Upsert(ctx, tx, "record",
		map[string]any{"data_source": rec.DataSource, "record_id": rec.RecordID},
		map[string]any{
			"entity_id": entityID, "match_key": nullable(rec.MatchKey), "errule_code": rec.ErruleCode,
			"principle": rec.Principle, "created_by": modifiedBy, "created_on": nowMicros,
			"modified_by": modifiedBy, "modified_on": nowMicros,
		}), "could not upsert record row")
}

// DeleteRecord removes a record row, e.g. because the parent record
// moved to a different entity.
func (r *Repository) DeleteRecord(ctx context.Context, tx types.Querier, dataSource, recordID string) error {
	_, err := tx.ExecContext(ctx, dialect.Rewrite(r.Dialect.Product(),
		`DELETE FROM record WHERE data_source = ?1 AND record_id = ?2`), dataSource, recordID)
	return errors.Wrap(err, "could not delete record row")
}

// FindRecordOwner reports the entity_id currently assigned to
// (dataSource, recordID), or ok=false if no record row exists for it.
func (r *Repository) FindRecordOwner(ctx context.Context, tx types.Querier, dataSource, recordID string) (int64, bool, error) {
	row := tx.QueryRowContext(ctx, dialect.Rewrite(r.Dialect.Product(),
		`SELECT entity_id FROM record WHERE data_source = ?1 AND record_id = ?2`), dataSource, recordID)
	var entityID int64
	if err := row.Scan(&entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "could not look up record owner")
	}
	return entityID, true, nil
}

// UpsertRelation writes one relation row; callers must already have
// normalized entityID < relatedID.
func (r *Repository) UpsertRelation(ctx context.Context, tx types.Querier, entityID, relatedID int64, rel types.ResolvedRelation, hash, modifiedBy string, nowMicros int64) error {
	return errors.Wrap(r.Dialect.Upsert(ctx, tx, "relation",
		map[string]any{"entity_id": entityID, "related_id": relatedID},
		map[string]any{
			"match_type": rel.MatchType, "match_key": nullable(rel.MatchKey), "errule_code": rel.ErruleCode,
			"principle": rel.Principle, "is_ambiguous": rel.IsAmbiguous, "is_disclosed": rel.IsDisclosed,
			"relation_hash": hash, "created_by": modifiedBy, "created_on": nowMicros,
			"modified_by": modifiedBy, "modified_on": nowMicros,
		}), "could not upsert relation row")
}

// DeleteRelation removes a relation row; callers must already have
// normalized entityID < relatedID.
func (r *Repository) DeleteRelation(ctx context.Context, tx types.Querier, entityID, relatedID int64) error {
	_, err := tx.ExecContext(ctx, dialect.Rewrite(r.Dialect.Product(),
		`DELETE FROM relation WHERE entity_id = ?1 AND related_id = ?2`), entityID, relatedID)
	return errors.Wrap(err, "could not delete relation row")
}

// InsertPendingReport appends a queued delta for later aggregation by
// the report updater.
func (r *Repository) InsertPendingReport(ctx context.Context, tx types.Querier, reportKey string, entityID, relatedID, entityDelta, recordDelta, relationDelta int64, createdBy string, nowMicros int64) error {
	_, err := tx.ExecContext(ctx, dialect.Rewrite(r.Dialect.Product(), `
		INSERT INTO pending_report (report_key, entity_id, related_id, entity_delta, record_delta, relation_delta, created_on, created_by)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)`),
		reportKey, entityID, relatedID, entityDelta, recordDelta, relationDelta, nowMicros, createdBy)
	return errors.Wrap(err, "could not insert pending report row")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
