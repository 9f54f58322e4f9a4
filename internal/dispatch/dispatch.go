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

// Package dispatch implements the task-handler dispatcher: a
// fixed-size worker pool that claims tasks from the scheduling
// service, maps each task's action to its registered handler, and
// runs the handler inside a transaction bracketed by any lease the
// handler declares via types.LockKeyer.
package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// Registry maps an action name to the handler that processes it.
type Registry map[string]types.Handler

// Pool is the fixed-size worker pool described by component 4.E: each
// worker repeatedly claims a task, begins a transaction, invokes the
// registered handler, and resolves the task via commit, retry, or
// dead-letter depending on what the handler returns.
type Pool struct {
	DB        *sql.DB
	Scheduler types.Scheduler
	Leases    types.Leases
	Registry  Registry
	Rate      config.Rate
	Stats     types.Stats

	// Concurrency is the number of worker goroutines; defaults to 1
	// if <= 0. Callers should set it from --core-concurrency.
	Concurrency int

	// ClaimBatch bounds how many tasks one Claim call draws per
	// worker iteration; defaults to 1.
	ClaimBatch int

	// OwnerID identifies this process's leases and task claims; a
	// fresh uuid is generated if empty.
	OwnerID string
}

// Run starts Concurrency worker goroutines tracked by sc and returns
// immediately; callers wait for shutdown via sc.Stop. Each worker
// polls for work and sleeps briefly between empty claims rather than
// busy-looping.
func (p *Pool) Run(sc *stopper.Context) {
	owner := p.OwnerID
	if owner == "" {
		owner = uuid.NewString()
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batch := p.ClaimBatch
	if batch <= 0 {
		batch = 1
	}

	for i := 0; i < concurrency; i++ {
		workerID := i
		sc.Go(func() error {
			return p.worker(sc, owner, workerID, batch)
		})
	}
}

// worker returns a non-nil error only when a handler reported a fatal
// invariant violation; stopper.Context.Go treats that as cause to
// stop the whole tree, matching the "attempt an orderly shutdown"
// contract for fatal errors.
func (p *Pool) worker(sc *stopper.Context, owner string, workerID, batch int) error {
	for {
		select {
		case <-sc.Stopping():
			return nil
		default:
		}

		tasks, err := p.Scheduler.Claim(sc, batch, owner, p.Rate.LeaseTimeout)
		if err != nil {
			log.WithError(err).WithField("worker", workerID).Warn("could not claim tasks")
			p.sleep(sc, p.Rate.FollowUpDelay)
			continue
		}
		if len(tasks) == 0 {
			p.sleep(sc, p.Rate.FollowUpDelay)
			continue
		}

		for _, task := range tasks {
			if fatal := p.process(sc, task, owner, workerID); fatal != nil {
				return fatal
			}
		}
	}
}

func (p *Pool) sleep(sc *stopper.Context, d time.Duration) {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	select {
	case <-sc.Stopping():
	case <-time.After(d):
	}
}

// process runs one claimed task to completion: lock acquisition (if
// the handler needs one), transactional invocation, and the
// commit/retry/dead-letter resolution. It returns a non-nil error
// only for a fatal handler error, which the caller propagates to stop
// the worker pool.
func (p *Pool) process(ctx context.Context, task types.Task, owner string, workerID int) error {
	fields := log.Fields{"action": task.Action, "task_id": task.ID, "worker": workerID}

	handler, ok := p.Registry[task.Action]
	if !ok {
		log.WithFields(fields).Warn("no handler registered for action")
		p.resolveOutOfTx(ctx, task.ID, apperrors.NewDeadLetter("unknown action", nil), fields)
		return nil
	}

	var releaseLease func()
	if keyer, ok := handler.(types.LockKeyer); ok {
		key, needsLock, err := keyer.LockKey(task)
		if err != nil {
			p.resolveOutOfTx(ctx, task.ID, err, fields)
			return nil
		}
		if needsLock {
			lease, err := p.Leases.Acquire(ctx, key, owner, p.Rate.LeaseTimeout)
			if err != nil {
				if _, busy := types.IsLeaseBusy(err); busy {
					p.resolveOutOfTx(ctx, task.ID, apperrors.NewRetryable(err), fields)
					return nil
				}
				p.resolveOutOfTx(ctx, task.ID, apperrors.NewRetryable(errors.Wrap(err, "could not acquire lock")), fields)
				return nil
			}
			releaseLease = func() {
				if err := lease.Release(context.Background()); err != nil {
					log.WithError(err).WithFields(fields).Warn("could not release lease")
				}
			}
		}
	}
	if releaseLease != nil {
		defer releaseLease()
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("could not begin task transaction")
		return nil
	}

	handleErr := handler.Handle(ctx, tx, task)
	if handleErr == nil {
		if err := p.Scheduler.Complete(ctx, tx, task.ID); err != nil {
			_ = tx.Rollback()
			log.WithError(err).WithFields(fields).Warn("could not complete task")
			return nil
		}
		if err := tx.Commit(); err != nil {
			log.WithError(err).WithFields(fields).Warn("could not commit task transaction")
		}
		return nil
	}

	_ = tx.Rollback()

	switch {
	case apperrors.IsFatal(handleErr):
		log.WithError(handleErr).WithFields(fields).Error("fatal error handling task")
		if p.Stats != nil {
			p.Stats.Inc("tasks.fatal", 1)
		}
		// A fatal error indicates broken invariants; the process is
		// expected to shut down rather than keep processing, so the
		// worker returns it instead of continuing its claim loop.
		return errors.Wrap(handleErr, "fatal task handler error")

	case apperrors.IsRetryable(handleErr):
		log.WithError(handleErr).WithFields(fields).Info("retryable error handling task")
		if p.Stats != nil {
			p.Stats.Inc("tasks.retried", 1)
		}
		p.resolveOutOfTx(ctx, task.ID, handleErr, fields)
		return nil

	default:
		reason := handleErr.Error()
		if dl, ok := apperrors.IsDeadLetter(handleErr); ok {
			reason = dl.Reason
		}
		log.WithError(handleErr).WithFields(fields).Warn("dead-lettering task")
		p.resolveOutOfTx(ctx, task.ID, apperrors.NewDeadLetter(reason, nil), fields)
		return nil
	}
}

// resolveOutOfTx applies Fail or DeadLetter in its own transaction,
// used when the handler's own transaction was never opened or was
// already rolled back.
func (p *Pool) resolveOutOfTx(ctx context.Context, taskID int64, cause error, fields log.Fields) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("could not begin resolution transaction")
		return
	}
	defer func() { _ = tx.Rollback() }()

	var resolveErr error
	if dl, ok := apperrors.IsDeadLetter(cause); ok {
		resolveErr = p.Scheduler.DeadLetter(ctx, tx, taskID, dl.Reason)
	} else {
		resolveErr = p.Scheduler.Fail(ctx, tx, taskID, cause.Error(), p.Rate.FollowUpDelay)
	}
	if resolveErr != nil {
		log.WithError(resolveErr).WithFields(fields).Warn("could not resolve failed task")
		return
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).WithFields(fields).Warn("could not commit resolution transaction")
	}
}
