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

// Package schema idempotently creates, verifies, and (optionally)
// drops-and-recreates the data-mart tables, indexes, and
// timestamp-maintenance triggers.
package schema

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/ident"
)

// tables lists the data-mart tables in dependency order, so that
// Ensure and Drop can apply their DDL in a safe sequence despite
// foreign keys.
var tables = []string{"locks", "entity", "record", "relation", "report", "report_detail", "pending_report", "tasks"}

// postgresDDL and sqliteDDL hold the per-table CREATE TABLE statements
// for each dialect; they differ only in integer column types and
// autoincrement syntax (BIGSERIAL versus INTEGER PRIMARY KEY
// AUTOINCREMENT). Timestamp maintenance is installed separately by
// ensurePostgresTriggers and ensureSQLiteTriggers.
var postgresDDL = map[string]string{
	"tasks": `
CREATE TABLE IF NOT EXISTS tasks (
  task_id          BIGSERIAL PRIMARY KEY,
  signature        TEXT NOT NULL,
  action           TEXT NOT NULL,
  params_json      TEXT NOT NULL,
  multiplicity     BIGINT NOT NULL DEFAULT 1,
  visible_at       BIGINT NOT NULL,
  leased_by        TEXT,
  lease_expires_at BIGINT,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  max_attempts     INTEGER NOT NULL DEFAULT 8,
  dead_reason      TEXT
)`,
	"locks": `
CREATE TABLE IF NOT EXISTS locks (
  resource_key TEXT PRIMARY KEY,
  modifier_id  TEXT NOT NULL
)`,
	"entity": `
CREATE TABLE IF NOT EXISTS entity (
  entity_id        BIGINT PRIMARY KEY,
  entity_name      TEXT,
  record_count     BIGINT NOT NULL DEFAULT 0,
  relation_count   BIGINT NOT NULL DEFAULT 0,
  entity_hash      TEXT NOT NULL,
  prev_entity_hash TEXT,
  created_on       BIGINT NOT NULL,
  created_by       TEXT NOT NULL,
  modified_on      BIGINT NOT NULL,
  modified_by      TEXT NOT NULL
)`,
	"record": `
CREATE TABLE IF NOT EXISTS record (
  data_source TEXT NOT NULL,
  record_id   TEXT NOT NULL,
  entity_id   BIGINT NOT NULL REFERENCES entity(entity_id),
  match_key   TEXT,
  errule_code TEXT,
  principle   TEXT,
  created_on  BIGINT NOT NULL,
  created_by  TEXT NOT NULL,
  modified_on BIGINT NOT NULL,
  modified_by TEXT NOT NULL,
  PRIMARY KEY (data_source, record_id)
)`,
	"relation": `
CREATE TABLE IF NOT EXISTS relation (
  entity_id     BIGINT NOT NULL REFERENCES entity(entity_id),
  related_id    BIGINT NOT NULL REFERENCES entity(entity_id),
  match_type    TEXT NOT NULL,
  match_key     TEXT,
  errule_code   TEXT,
  principle     TEXT,
  is_ambiguous  SMALLINT NOT NULL DEFAULT 0,
  is_disclosed  SMALLINT NOT NULL DEFAULT 0,
  relation_hash TEXT NOT NULL,
  created_on    BIGINT NOT NULL,
  created_by    TEXT NOT NULL,
  modified_on   BIGINT NOT NULL,
  modified_by   TEXT NOT NULL,
  PRIMARY KEY (entity_id, related_id),
  CHECK (entity_id < related_id)
)`,
	"report": `
CREATE TABLE IF NOT EXISTS report (
  report_key      TEXT PRIMARY KEY,
  entity_count    BIGINT NOT NULL DEFAULT 0,
  record_count    BIGINT NOT NULL DEFAULT 0,
  relation_count  BIGINT NOT NULL DEFAULT 0,
  statistic_count BIGINT NOT NULL DEFAULT 0,
  created_on      BIGINT NOT NULL,
  created_by      TEXT NOT NULL,
  modified_on     BIGINT NOT NULL,
  modified_by     TEXT NOT NULL
)`,
	"report_detail": `
CREATE TABLE IF NOT EXISTS report_detail (
  report_key     TEXT NOT NULL,
  entity_id      BIGINT NOT NULL,
  related_id     BIGINT NOT NULL DEFAULT 0,
  entity_count   BIGINT NOT NULL DEFAULT 0,
  record_count   BIGINT NOT NULL DEFAULT 0,
  relation_count BIGINT NOT NULL DEFAULT 0,
  created_on     BIGINT NOT NULL,
  created_by     TEXT NOT NULL,
  modified_on    BIGINT NOT NULL,
  modified_by    TEXT NOT NULL,
  PRIMARY KEY (report_key, entity_id, related_id)
)`,
	"pending_report": `
CREATE TABLE IF NOT EXISTS pending_report (
  id             BIGSERIAL PRIMARY KEY,
  report_key     TEXT NOT NULL,
  entity_id      BIGINT NOT NULL,
  related_id     BIGINT NOT NULL DEFAULT 0,
  entity_delta   BIGINT NOT NULL DEFAULT 0,
  record_delta   BIGINT NOT NULL DEFAULT 0,
  relation_delta BIGINT NOT NULL DEFAULT 0,
  created_on     BIGINT NOT NULL,
  created_by     TEXT NOT NULL
)`,
}

var sqliteDDL = map[string]string{
	"tasks": `
CREATE TABLE IF NOT EXISTS tasks (
  task_id          INTEGER PRIMARY KEY AUTOINCREMENT,
  signature        TEXT NOT NULL,
  action           TEXT NOT NULL,
  params_json      TEXT NOT NULL,
  multiplicity     INTEGER NOT NULL DEFAULT 1,
  visible_at       INTEGER NOT NULL,
  leased_by        TEXT,
  lease_expires_at INTEGER,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  max_attempts     INTEGER NOT NULL DEFAULT 8,
  dead_reason      TEXT
)`,
	"locks": `
CREATE TABLE IF NOT EXISTS locks (
  resource_key TEXT PRIMARY KEY,
  modifier_id  TEXT NOT NULL
)`,
	"entity": `
CREATE TABLE IF NOT EXISTS entity (
  entity_id        INTEGER PRIMARY KEY,
  entity_name      TEXT,
  record_count     INTEGER NOT NULL DEFAULT 0,
  relation_count   INTEGER NOT NULL DEFAULT 0,
  entity_hash      TEXT NOT NULL,
  prev_entity_hash TEXT,
  created_on       INTEGER NOT NULL,
  created_by       TEXT NOT NULL,
  modified_on      INTEGER NOT NULL,
  modified_by      TEXT NOT NULL
)`,
	"record": `
CREATE TABLE IF NOT EXISTS record (
  data_source TEXT NOT NULL,
  record_id   TEXT NOT NULL,
  entity_id   INTEGER NOT NULL REFERENCES entity(entity_id),
  match_key   TEXT,
  errule_code TEXT,
  principle   TEXT,
  created_on  INTEGER NOT NULL,
  created_by  TEXT NOT NULL,
  modified_on INTEGER NOT NULL,
  modified_by TEXT NOT NULL,
  PRIMARY KEY (data_source, record_id)
)`,
	"relation": `
CREATE TABLE IF NOT EXISTS relation (
  entity_id     INTEGER NOT NULL REFERENCES entity(entity_id),
  related_id    INTEGER NOT NULL REFERENCES entity(entity_id),
  match_type    TEXT NOT NULL,
  match_key     TEXT,
  errule_code   TEXT,
  principle     TEXT,
  is_ambiguous  SMALLINT NOT NULL DEFAULT 0,
  is_disclosed  SMALLINT NOT NULL DEFAULT 0,
  relation_hash TEXT NOT NULL,
  created_on    INTEGER NOT NULL,
  created_by    TEXT NOT NULL,
  modified_on   INTEGER NOT NULL,
  modified_by   TEXT NOT NULL,
  PRIMARY KEY (entity_id, related_id),
  CHECK (entity_id < related_id)
)`,
	"report": `
CREATE TABLE IF NOT EXISTS report (
  report_key      TEXT PRIMARY KEY,
  entity_count    INTEGER NOT NULL DEFAULT 0,
  record_count    INTEGER NOT NULL DEFAULT 0,
  relation_count  INTEGER NOT NULL DEFAULT 0,
  statistic_count INTEGER NOT NULL DEFAULT 0,
  created_on      INTEGER NOT NULL,
  created_by      TEXT NOT NULL,
  modified_on     INTEGER NOT NULL,
  modified_by     TEXT NOT NULL
)`,
	"report_detail": `
CREATE TABLE IF NOT EXISTS report_detail (
  report_key     TEXT NOT NULL,
  entity_id      INTEGER NOT NULL,
  related_id     INTEGER NOT NULL DEFAULT 0,
  entity_count   INTEGER NOT NULL DEFAULT 0,
  record_count   INTEGER NOT NULL DEFAULT 0,
  relation_count INTEGER NOT NULL DEFAULT 0,
  created_on     INTEGER NOT NULL,
  created_by     TEXT NOT NULL,
  modified_on    INTEGER NOT NULL,
  modified_by    TEXT NOT NULL,
  PRIMARY KEY (report_key, entity_id, related_id)
)`,
	"pending_report": `
CREATE TABLE IF NOT EXISTS pending_report (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  report_key     TEXT NOT NULL,
  entity_id      INTEGER NOT NULL,
  related_id     INTEGER NOT NULL DEFAULT 0,
  entity_delta   INTEGER NOT NULL DEFAULT 0,
  record_delta   INTEGER NOT NULL DEFAULT 0,
  relation_delta INTEGER NOT NULL DEFAULT 0,
  created_on     INTEGER NOT NULL,
  created_by     TEXT NOT NULL
)`,
}

// maintainTimestampsFn is installed once on PostgreSQL and referenced
// by a BEFORE UPDATE trigger on every mutable table; SQLite has no
// shared-function facility, so each table gets its own AFTER UPDATE
// trigger that rewrites modified_on instead.
const maintainTimestampsFn = `
CREATE OR REPLACE FUNCTION sz_maintain_timestamps() RETURNS trigger AS $$
BEGIN
  NEW.modified_on := (extract(epoch from now()) * 1000000)::bigint;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`

var triggeredTables = []string{"entity", "record", "relation", "report", "report_detail"}

// Ensure idempotently creates the data-mart schema if recreate is
// false, or drops and recreates it if true. It must be called once at
// startup before any other component touches the database.
func Ensure(ctx context.Context, db *sql.DB, product types.Product, recreate bool) error {
	if recreate {
		if err := drop(ctx, db); err != nil {
			return err
		}
	}

	ddl := sqliteDDL
	if product == types.ProductPostgreSQL {
		ddl = postgresDDL
	}

	for _, name := range tables {
		log.Debugf("ensuring schema for table %s", name)
		if _, err := db.ExecContext(ctx, ddl[name]); err != nil {
			return errors.Wrapf(err, "could not create table %s", name)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS tasks_signature_idx ON tasks (signature)",
		"CREATE INDEX IF NOT EXISTS tasks_visible_at_idx ON tasks (visible_at, task_id)",
		"CREATE INDEX IF NOT EXISTS tasks_lease_expires_idx ON tasks (lease_expires_at)",
		"CREATE INDEX IF NOT EXISTS pending_report_key_idx ON pending_report (report_key)",
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return errors.Wrap(err, "could not create index")
		}
	}

	if product == types.ProductPostgreSQL {
		return ensurePostgresTriggers(ctx, db)
	}
	return ensureSQLiteTriggers(ctx, db)
}

func drop(ctx context.Context, db *sql.DB) error {
	for i := len(tables) - 1; i >= 0; i-- {
		name := ident.New(tables[i])
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name.Quoted()); err != nil {
			return errors.Wrapf(err, "could not drop table %s", name)
		}
	}
	return nil
}

func ensurePostgresTriggers(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, maintainTimestampsFn); err != nil {
		return errors.Wrap(err, "could not install sz_maintain_timestamps")
	}
	for _, table := range triggeredTables {
		stmt := "CREATE OR REPLACE TRIGGER " + table + "_maintain_timestamps BEFORE UPDATE ON " +
			table + " FOR EACH ROW EXECUTE FUNCTION sz_maintain_timestamps()"
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "could not install trigger on %s", table)
		}
	}
	return nil
}

func ensureSQLiteTriggers(ctx context.Context, db *sql.DB) error {
	for _, table := range triggeredTables {
		stmt := `
CREATE TRIGGER IF NOT EXISTS ` + table + `_maintain_timestamps
AFTER UPDATE ON ` + table + `
BEGIN
  UPDATE ` + table + ` SET modified_on = CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER)
  WHERE rowid = NEW.rowid;
END`
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "could not install trigger on %s", table)
		}
	}
	return nil
}
