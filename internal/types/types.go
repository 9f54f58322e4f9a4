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

// Package types contains data types and interfaces that define the
// major functional blocks of code within the replicator. The goal of
// placing the types into this package is to make it easy to compose
// functionality as the data-mart replicator evolves.
package types

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Product is an enum identifying the data-mart backend.
type Product int

const (
	ProductUnknown Product = iota
	ProductPostgreSQL
	ProductSQLite
)

func (p Product) String() string {
	switch p {
	case ProductPostgreSQL:
		return "postgresql"
	case ProductSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// PoolInfo describes a database connection pool and what it's
// connected to.
type PoolInfo struct {
	ConnectionString string
	Product          Product
	Version          string
}

// Info returns the PoolInfo when embedded.
func (i *PoolInfo) Info() *PoolInfo { return i }

// Pool is an injection point for a connection to the data-mart
// database. Both the PostgreSQL and SQLite dialects are reached
// through database/sql: PostgreSQL via the pgx stdlib adapter, SQLite
// via modernc.org/sqlite, so that the dialect adapter can be written
// once against a single Querier surface.
type Pool struct {
	*sql.DB
	PoolInfo
}

// Querier is implemented by [sql.DB], [sql.Tx], and [sql.Conn]. This
// allows a degree of flexibility in defining types that require a
// database connection without committing to one of them.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
	_ Querier = (*sql.Conn)(nil)
)

// Tx is implemented by [sql.Tx].
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

var _ Tx = (*sql.Tx)(nil)

// A Lease represents a time-based, exclusive lock obtained from the
// locks table.
type Lease interface {
	// Context is canceled when the lease has expired or been released.
	Context() context.Context
	// Release terminates the lease, deleting its locks-table row.
	Release(ctx context.Context) error
}

// LeaseBusyError is returned by [Leases.Acquire] when another caller
// already holds the named lease.
type LeaseBusyError struct {
	ResourceKey string
	HolderID    string
}

func (e *LeaseBusyError) Error() string {
	return "lease " + e.ResourceKey + " is held by " + e.HolderID
}

// IsLeaseBusy returns the error if it represents a busy lease.
func IsLeaseBusy(err error) (busy *LeaseBusyError, ok bool) {
	return busy, errors.As(err, &busy)
}

// Leases coordinates per-resource exclusive access across replicator
// processes via rows in the locks table. Resource names follow the
// "entity:<id>" / "report:<key>" conventions used by the refresh
// handler and report updater.
type Leases interface {
	// Acquire the named lease for holderID with the given timeout. A
	// *LeaseBusyError is returned if another caller holds it.
	Acquire(ctx context.Context, name, holderID string, timeout time.Duration) (Lease, error)

	// Reap deletes every locks-table row, whichever holder wrote it;
	// it is called once at startup. Rows are not aged or matched
	// against a holder id.
	Reap(ctx context.Context) (int64, error)
}

// TaskStatus enumerates the lifecycle states of a scheduled task.
type TaskStatus int

const (
	TaskReady TaskStatus = iota
	TaskLeased
	TaskDone
	TaskDeadLettered
)

// Task is one row of the follow-up queue.
type Task struct {
	ID           int64
	Action       string
	Signature    string
	Parameters   []byte
	Multiplicity int64
	VisibleAt    time.Time
	Status       TaskStatus
	LeaseOwner   string
	LeaseExpires time.Time
	AttemptCount int
	MaxAttempts  int
	DeadReason   string
}

// MaxMultiplicity caps the number of collapsed upstream notifications a
// single queue row may record, per the re-architecture note on bounding
// deduplication counters rather than leaving them unbounded.
const MaxMultiplicity = 1<<31 - 1

// Scheduler is the transactional follow-up queue described by the
// scheduling-service component: callers commit tasks for later
// execution, dedup against any existing row with the same signature,
// and workers claim, complete, fail, or dead-letter them.
type Scheduler interface {
	// Commit enqueues a task. If a row with the same signature already
	// exists and has not been leased, its multiplicity is incremented
	// and visible_at is moved to the earlier of the two, instead of
	// inserting a new row; a leased row is left alone and a new row is
	// inserted.
	Commit(ctx context.Context, tx Querier, action, signature string, params []byte, visibleAt time.Time) error

	// Claim leases up to limit ready tasks, oldest visible_at first.
	Claim(ctx context.Context, limit int, owner string, leaseTimeout time.Duration) ([]Task, error)

	// Complete marks a claimed task done and deletes its row.
	Complete(ctx context.Context, tx Querier, taskID int64) error

	// Fail returns a claimed task to ready with backoff, or
	// dead-letters it once attemptCount reaches maxAttempts.
	Fail(ctx context.Context, tx Querier, taskID int64, reason string, backoff time.Duration) error

	// DeadLetter moves a task directly to the dead-lettered state,
	// bypassing retry, for unrecoverable handler errors.
	DeadLetter(ctx context.Context, tx Querier, taskID int64, reason string) error

	// ReapExpiredLeases returns leased tasks whose lease has expired
	// back to ready, for the janitor loop.
	ReapExpiredLeases(ctx context.Context) (int64, error)
}

// Handler processes one claimed task inside a single database
// transaction. A Retryable error causes Fail with backoff; a Fatal
// error stops the process; any other error dead-letters the task.
type Handler interface {
	Handle(ctx context.Context, tx Querier, task Task) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, tx Querier, task Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, tx Querier, task Task) error {
	return f(ctx, tx, task)
}

// LockKeyer is implemented by a Handler that needs a Leases resource
// held for the duration of its Handle call. The dispatcher acquires
// the named lease before opening the task's transaction and releases
// it after the transaction is committed or rolled back, so the lease
// acquisition itself never competes with the transaction for a pooled
// connection.
type LockKeyer interface {
	// LockKey returns the resource name to lock before handling task,
	// or ok=false if no lease is required.
	LockKey(task Task) (key string, ok bool, err error)
}

// Dialect abstracts the differences between the PostgreSQL and SQLite
// backends: upsert syntax, timestamp maintenance, and array-parameter
// passing. Everything above this interface operates on plain Go values.
type Dialect interface {
	Product() Product

	// Upsert inserts or updates a single row identified by keys.
	Upsert(ctx context.Context, q Querier, table string, keys, values map[string]any) error

	// BatchUpsert inserts or updates many rows of the same shape in as
	// few round trips as the dialect allows.
	BatchUpsert(ctx context.Context, q Querier, table string, keyCols []string, rows []map[string]any) error

	// FetchForUpdate reads a single row while taking whatever
	// row-level lock the dialect supports, for use inside a
	// transaction that will subsequently mutate it.
	FetchForUpdate(ctx context.Context, tx Querier, table string, keys map[string]any, dest map[string]*any) (found bool, _ error)

	// SelectArrayParam renders a placeholder and bind arguments for an
	// IN-list style query; PostgreSQL passes the slice natively, SQLite
	// chunks it into "(?,?,...)" templates.
	SelectArrayParam(column string, values []any) (predicate string, args []any)
}

// EngineClient is the opaque resolution-engine collaborator: given an
// entity id, it returns the engine's current view of that entity's
// records and relations, or ok=false if the engine no longer knows
// about the entity.
type EngineClient interface {
	FetchEntity(ctx context.Context, entityID int64) (resolution EntityResolution, ok bool, err error)
}

// EntityResolution is the resolution engine's current answer for one
// entity id.
type EntityResolution struct {
	EntityID  int64
	Name      string
	Records   []ResolvedRecord
	Relations []ResolvedRelation
}

// ResolvedRecord is one source record the engine currently assigns to
// an entity.
type ResolvedRecord struct {
	DataSource string
	RecordID   string
	MatchKey   string // empty is normalized to null in storage
	ErruleCode string
	Principle  string
}

// ResolvedRelation is one symmetric relationship the engine reports
// for an entity; RelatedID may be on either side and is normalized by
// the refresh handler so that EntityID < RelatedID in storage.
type ResolvedRelation struct {
	RelatedID    int64
	MatchType    string
	MatchKey     string
	ErruleCode   string
	Principle    string
	IsAmbiguous  bool
	IsDisclosed  bool
}

// Stats is the statistics-aggregator surface: a flat name to number
// map, refreshed from whatever counters the process keeps.
type Stats interface {
	Snapshot() map[string]float64
	Inc(name string, delta float64)
}
