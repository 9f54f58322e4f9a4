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

// Package scheduler implements the transactional follow-up queue:
// commit-with-dedup, lease-based claiming, completion, failure
// backoff, dead-lettering, and lease reclamation.
package scheduler

import (
	"context"
	"database/sql"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/types"
)

// Service implements types.Scheduler against the tasks table. It is
// safe for concurrent use; every method that mutates state does so
// inside the caller-supplied transaction or, for Claim and
// ReapExpiredLeases, its own.
type Service struct {
	DB       *sql.DB
	Product  types.Product
	Stats    types.Stats
	MaxRetry int // max_attempts stamped onto newly inserted rows
}

var _ types.Scheduler = (*Service)(nil)

func nowMicros() int64 {
	return time.Now().UTC().UnixMicro()
}

// Commit enqueues a task, deduplicating against any existing
// not-yet-leased row with the same signature.
func (s *Service) Commit(
	ctx context.Context, tx types.Querier, action, signature string, params []byte, visibleAt time.Time,
) error {
	visMicros := visibleAt.UTC().UnixMicro()

	row := tx.QueryRowContext(ctx,
		dialect.Rewrite(s.Product, `SELECT task_id, multiplicity, visible_at FROM tasks
		  WHERE signature = ?1 AND leased_by IS NULL AND dead_reason IS NULL`),
		signature)

	var taskID, multiplicity, existingVis int64
	err := row.Scan(&taskID, &multiplicity, &existingVis)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		maxAttempts := s.MaxRetry
		if maxAttempts <= 0 {
			maxAttempts = 8
		}
		_, err := tx.ExecContext(ctx,
			dialect.Rewrite(s.Product, `INSERT INTO tasks
			  (signature, action, params_json, multiplicity, visible_at, attempt_count, max_attempts)
			  VALUES (?1, ?2, ?3, 1, ?4, 0, ?5)`),
			signature, action, string(params), visMicros, maxAttempts)
		return errors.Wrap(err, "could not insert task")

	case err != nil:
		return errors.Wrap(err, "could not look up task for dedup")

	default:
		newMultiplicity := multiplicity + 1
		if newMultiplicity > types.MaxMultiplicity {
			newMultiplicity = types.MaxMultiplicity
		}
		newVis := existingVis
		if visMicros < newVis {
			newVis = visMicros
		}
		_, err := tx.ExecContext(ctx,
			dialect.Rewrite(s.Product, `UPDATE tasks SET multiplicity = ?1, visible_at = ?2 WHERE task_id = ?3`),
			newMultiplicity, newVis, taskID)
		return errors.Wrap(err, "could not update task multiplicity")
	}
}

// Claim leases up to limit ready tasks. On PostgreSQL this uses
// SELECT ... FOR UPDATE SKIP LOCKED; on SQLite, which has no row
// locking, the same effect is achieved by running the claim inside a
// BEGIN IMMEDIATE transaction so the database's single-writer model
// serializes concurrent claimants.
func (s *Service) Claim(
	ctx context.Context, limit int, owner string, leaseTimeout time.Duration,
) ([]types.Task, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMicros()
	leaseExpires := time.Now().Add(leaseTimeout).UTC().UnixMicro()

	var rows *sql.Rows
	if s.Product == types.ProductPostgreSQL {
		rows, err = tx.QueryContext(ctx, `
			SELECT task_id FROM tasks
			WHERE visible_at <= $1 AND leased_by IS NULL AND dead_reason IS NULL
			ORDER BY visible_at, task_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
	} else {
		rows, err = tx.QueryContext(ctx, `
			SELECT task_id FROM tasks
			WHERE visible_at <= ? AND leased_by IS NULL AND dead_reason IS NULL
			ORDER BY visible_at, task_id
			LIMIT ?`, now, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not select claimable tasks")
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "could not scan task id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "could not iterate claimable tasks")
	}

	tasks := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			dialect.Rewrite(s.Product, `UPDATE tasks SET leased_by = ?1, lease_expires_at = ?2 WHERE task_id = ?3`),
			owner, leaseExpires, id)
		if err != nil {
			return nil, errors.Wrap(err, "could not lease task")
		}

		row := tx.QueryRowContext(ctx,
			dialect.Rewrite(s.Product, `SELECT task_id, action, signature, params_json, multiplicity,
			  visible_at, attempt_count, max_attempts FROM tasks WHERE task_id = ?1`), id)

		var t types.Task
		var visMicros int64
		if err := row.Scan(&t.ID, &t.Action, &t.Signature, &t.Parameters, &t.Multiplicity,
			&visMicros, &t.AttemptCount, &t.MaxAttempts); err != nil {
			return nil, errors.Wrap(err, "could not read leased task")
		}
		t.VisibleAt = time.UnixMicro(visMicros).UTC()
		t.Status = types.TaskLeased
		t.LeaseOwner = owner
		t.LeaseExpires = time.UnixMicro(leaseExpires).UTC()
		tasks = append(tasks, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "could not commit claim transaction")
	}
	return tasks, nil
}

// Complete deletes a successfully processed task's row.
func (s *Service) Complete(ctx context.Context, tx types.Querier, taskID int64) error {
	_, err := tx.ExecContext(ctx, dialect.Rewrite(s.Product, `DELETE FROM tasks WHERE task_id = ?1`), taskID)
	return errors.Wrap(err, "could not complete task")
}

// Fail clears a task's lease, increments attempt_count, and schedules
// a retry at now+backoff, or dead-letters the row once max_attempts
// is reached.
func (s *Service) Fail(ctx context.Context, tx types.Querier, taskID int64, reason string, backoff time.Duration) error {
	row := tx.QueryRowContext(ctx,
		dialect.Rewrite(s.Product, `SELECT attempt_count, max_attempts FROM tasks WHERE task_id = ?1`), taskID)
	var attemptCount, maxAttempts int
	if err := row.Scan(&attemptCount, &maxAttempts); err != nil {
		return errors.Wrap(err, "could not read task before failing it")
	}

	attemptCount++
	if attemptCount >= maxAttempts {
		if s.Stats != nil {
			s.Stats.Inc("tasks.dead_lettered", 1)
		}
		_, err := tx.ExecContext(ctx,
			dialect.Rewrite(s.Product, `UPDATE tasks SET leased_by = NULL, lease_expires_at = NULL,
			  attempt_count = ?1, dead_reason = ?2 WHERE task_id = ?3`),
			attemptCount, reason, taskID)
		return errors.Wrap(err, "could not dead-letter task after exhausting retries")
	}

	visible := time.Now().Add(backoffWithJitter(attemptCount, backoff)).UTC().UnixMicro()
	_, err := tx.ExecContext(ctx,
		dialect.Rewrite(s.Product, `UPDATE tasks SET leased_by = NULL, lease_expires_at = NULL,
		  attempt_count = ?1, visible_at = ?2 WHERE task_id = ?3`),
		attemptCount, visible, taskID)
	return errors.Wrap(err, "could not requeue failed task")
}

// DeadLetter moves a task directly to the dead-lettered state.
func (s *Service) DeadLetter(ctx context.Context, tx types.Querier, taskID int64, reason string) error {
	if s.Stats != nil {
		s.Stats.Inc("tasks.dead_lettered", 1)
	}
	_, err := tx.ExecContext(ctx,
		dialect.Rewrite(s.Product, `UPDATE tasks SET leased_by = NULL, lease_expires_at = NULL, dead_reason = ?1 WHERE task_id = ?2`),
		reason, taskID)
	return errors.Wrap(err, "could not dead-letter task")
}

// ReapExpiredLeases returns leased tasks whose lease has expired back
// to the ready state; intended to be called periodically by a janitor
// goroutine.
func (s *Service) ReapExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		dialect.Rewrite(s.Product, `UPDATE tasks SET leased_by = NULL, lease_expires_at = NULL
		  WHERE leased_by IS NOT NULL AND lease_expires_at < ?1`), nowMicros())
	if err != nil {
		return 0, errors.Wrap(err, "could not reap expired leases")
	}
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

// beginImmediate starts a transaction. On SQLite it takes the
// exclusive writer lock up front with BEGIN IMMEDIATE, issued
// directly against a dedicated connection, since database/sql's
// BeginTx always emits a plain BEGIN and has no dialect-specific
// knob for it; on PostgreSQL it returns an ordinary *sql.Tx, which
// together with immediateTx satisfies types.Tx.
func (s *Service) beginImmediate(ctx context.Context) (types.Tx, error) {
	if s.Product != types.ProductSQLite {
		tx, err := s.DB.BeginTx(ctx, nil)
		return tx, errors.Wrap(err, "could not begin transaction")
	}

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not obtain sqlite connection")
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "could not begin immediate transaction")
	}
	return &immediateTx{conn: conn}, nil
}

// immediateTx adapts a single *sql.Conn already holding an open
// BEGIN IMMEDIATE transaction to the types.Tx interface.
type immediateTx struct {
	conn *sql.Conn
	done bool
}

func (t *immediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *immediateTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *immediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *immediateTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "COMMIT")
	_ = t.conn.Close()
	return errors.Wrap(err, "could not commit sqlite transaction")
}

func (t *immediateTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK")
	_ = t.conn.Close()
	return errors.Wrap(err, "could not roll back sqlite transaction")
}

// backoffWithJitter implements the exponential-backoff-with-jitter
// policy from the scheduling-service design: initial 500ms, cap 5
// minutes, doubling per attempt, ±25% jitter.
func backoffWithJitter(attemptCount int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	capDur := 5 * time.Minute
	exp := math.Pow(2, float64(attemptCount-1))
	d := time.Duration(float64(base) * exp)
	if d > capDur || d <= 0 {
		d = capDur
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
