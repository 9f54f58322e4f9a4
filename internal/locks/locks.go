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

// Package locks implements cross-process advisory locking keyed by
// string resource name, backed by rows in the data-mart locks table.
package locks

import (
	"context"
	"database/sql"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/entitymart/replicator/internal/types"
)

// Manager implements types.Leases against the locks table: existence
// of a row keyed by resource_key is the lock.
type Manager struct {
	DB *sql.DB
}

var _ types.Leases = (*Manager)(nil)

// Acquire attempts to insert a locks-table row for name, retrying with
// exponential backoff and jitter until timeout elapses.
func (m *Manager) Acquire(
	ctx context.Context, name, holderID string, timeout time.Duration,
) (types.Lease, error) {
	deadline := time.Now().Add(timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = timeout

	for {
		ok, err := m.tryInsert(ctx, name, holderID)
		if err != nil {
			return nil, err
		}
		if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			return &lease{mgr: m, ctx: leaseCtx, cancel: cancel, name: name, holder: holderID}, nil
		}

		if time.Now().After(deadline) {
			return nil, &types.LeaseBusyError{ResourceKey: name, HolderID: holderID}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, &types.LeaseBusyError{ResourceKey: name, HolderID: holderID}
		}
		// Extra jitter beyond the backoff policy's own randomization,
		// so that two workers racing for the same entity lock don't
		// retry in lockstep.
		wait += time.Duration(rand.Int63n(int64(wait) / 4 + 1))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) tryInsert(ctx context.Context, name, holderID string) (bool, error) {
	_, err := m.DB.ExecContext(ctx,
		`INSERT INTO locks (resource_key, modifier_id) VALUES ($1, $2)`, name, holderID)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "could not acquire lock")
}

// Reap deletes every row in the locks table; called once at process
// startup under the assumption that no other replicator instance is
// running concurrently against the same data mart at that moment.
func (m *Manager) Reap(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM locks`)
	if err != nil {
		return 0, errors.Wrap(err, "could not reap locks")
	}
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

type lease struct {
	mgr    *Manager
	ctx    context.Context
	cancel context.CancelFunc
	name   string
	holder string
}

func (l *lease) Context() context.Context { return l.ctx }

func (l *lease) Release(ctx context.Context) error {
	defer l.cancel()
	_, err := l.mgr.DB.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_key = $1 AND modifier_id = $2`, l.name, l.holder)
	return errors.Wrap(err, "could not release lock")
}

// isUniqueViolation reports whether err is a primary-key conflict on
// resource_key, for either the PostgreSQL or SQLite driver. Both
// report this as a distinct error class from generic I/O failures, so
// a contention loss can be distinguished from a connection problem
// that should instead be retried as a transient error.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"duplicate key value", "UNIQUE constraint failed", "violates unique constraint"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
