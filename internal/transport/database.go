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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// DatabaseSource implements --database-info-queue: the info messages
// themselves live in a table on the data-mart connection rather than
// an external broker, useful for demos and for engines that can only
// write to a database. It owns its own table, separate from the core
// data-mart schema, and deletes each row only after Process succeeds.
type DatabaseSource struct {
	DB           *sql.DB
	Product      types.Product
	PollInterval time.Duration
	BatchSize    int
}

var _ Source = (*DatabaseSource)(nil)

// EnsureSchema creates the info_messages table if it does not already
// exist. Callers invoke it once before Run.
func (d *DatabaseSource) EnsureSchema(ctx context.Context) error {
	var ddl string
	if d.Product == types.ProductPostgreSQL {
		ddl = `CREATE TABLE IF NOT EXISTS info_messages (
			message_id BIGSERIAL PRIMARY KEY,
			body       TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS info_messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			body       TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`
	}
	_, err := d.DB.ExecContext(ctx, ddl)
	return errors.Wrap(err, "could not create info_messages table")
}

// Enqueue inserts one raw message body, for use by tests and by any
// component that writes directly to the database queue.
func (d *DatabaseSource) Enqueue(ctx context.Context, body []byte) error {
	_, err := d.DB.ExecContext(ctx,
		dialect.Rewrite(d.Product, `INSERT INTO info_messages (body, created_at) VALUES (?1, ?2)`),
		string(body), time.Now().UTC().UnixMicro())
	return errors.Wrap(err, "could not enqueue info message")
}

// Run implements Source.
func (d *DatabaseSource) Run(sc *stopper.Context, process Process) error {
	if err := d.EnsureSchema(sc); err != nil {
		return err
	}

	pollInterval := d.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for {
		select {
		case <-sc.Stopping():
			return nil
		default:
		}

		processed, err := d.drainOnce(sc, process, batchSize)
		if err != nil {
			log.WithError(err).Warn("could not poll info_messages")
			sleep(sc, pollInterval)
			continue
		}
		if processed == 0 {
			sleep(sc, pollInterval)
		}
	}
}

func (d *DatabaseSource) drainOnce(ctx context.Context, process Process, batchSize int) (int, error) {
	rows, err := d.DB.QueryContext(ctx,
		dialect.Rewrite(d.Product, `SELECT message_id, body FROM info_messages ORDER BY message_id LIMIT ?1`),
		batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "could not select pending info messages")
	}

	type pending struct {
		id   int64
		body string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.body); err != nil {
			_ = rows.Close()
			return 0, errors.Wrap(err, "could not scan info message")
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, errors.Wrap(err, "could not iterate info messages")
	}
	_ = rows.Close()

	for _, p := range batch {
		if err := process(ctx, []byte(p.body)); err != nil {
			log.WithError(err).WithField("message_id", p.id).Warn("could not process info message, leaving for retry")
			continue
		}
		if _, err := d.DB.ExecContext(ctx,
			dialect.Rewrite(d.Product, `DELETE FROM info_messages WHERE message_id = ?1`), p.id); err != nil {
			log.WithError(err).WithField("message_id", p.id).Warn("could not delete acknowledged info message")
		}
	}
	return len(batch), nil
}
