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

// Package listener implements the info-message parser and the
// listener service state machine: it turns one JSON document from the
// resolution engine's transport into a batch of scheduler.Commit
// calls, all inside a single transaction, so the transport consumer
// only acks the message once that transaction has committed.
package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/notify"
	"github.com/entitymart/replicator/internal/refresh"
	"github.com/entitymart/replicator/internal/types"
)

// Names of the message parts a configured action map may recognize.
// These are the keys of ActionMap, not the upstream engine's own
// field names.
const (
	PartAffectedEntity = "affected-entity"
	PartRecord         = "record"
	PartInteresting    = "interesting-entity"
	PartNotice         = "notice"
)

// DefaultActionMap binds every recognized message part to the core
// action registered with the task-handler dispatcher. A caller may
// supply a narrower map to disable a part entirely; a part with no
// entry in the map is silently skipped, per the parser's contract.
func DefaultActionMap() map[string]string {
	return map[string]string{
		PartAffectedEntity: "refresh-entity",
		PartRecord:         "process-record",
		PartInteresting:    "handle-interesting",
		PartNotice:         "handle-notice",
	}
}

type state int32

const (
	stateUninitialized state = iota
	stateAvailable
	stateDestroying
	stateDestroyed
)

// Listener implements the UNINITIALIZED -> AVAILABLE -> DESTROYING ->
// DESTROYED state machine described for the info-message parser.
// Process is rejected outside AVAILABLE; Destroy is idempotent and
// safe to call concurrently from multiple goroutines.
type Listener struct {
	DB        *sql.DB
	Scheduler types.Scheduler
	ActionMap map[string]string

	state       int32
	destroyOnce sync.Once
	destroyDone chan struct{}
}

// New builds a Listener in the UNINITIALIZED state. actionMap may be
// nil, in which case DefaultActionMap is used.
func New(db *sql.DB, sched types.Scheduler, actionMap map[string]string) *Listener {
	if actionMap == nil {
		actionMap = DefaultActionMap()
	}
	return &Listener{
		DB:          db,
		Scheduler:   sched,
		ActionMap:   actionMap,
		destroyDone: make(chan struct{}),
	}
}

// Init transitions UNINITIALIZED -> AVAILABLE. Calling Init on an
// already-available listener is a no-op; calling it after Destroy has
// begun returns an error. A failed Init leaves the state unchanged at
// UNINITIALIZED, per the state-machine's error contract.
func (l *Listener) Init(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.state, int32(stateUninitialized), int32(stateAvailable)) {
		if state(atomic.LoadInt32(&l.state)) == stateAvailable {
			return nil
		}
		return errors.New("listener cannot be initialized from its current state")
	}
	if l.DB == nil {
		atomic.StoreInt32(&l.state, int32(stateUninitialized))
		return errors.New("listener requires a database handle")
	}
	if err := l.DB.PingContext(ctx); err != nil {
		atomic.StoreInt32(&l.state, int32(stateUninitialized))
		return errors.Wrap(err, "could not reach data mart during listener init")
	}
	return nil
}

// Destroy transitions AVAILABLE -> DESTROYING -> DESTROYED. It is
// idempotent: a second caller observes the first caller's transition
// and blocks until it completes rather than racing it.
func (l *Listener) Destroy(ctx context.Context) error {
	for {
		switch state(atomic.LoadInt32(&l.state)) {
		case stateDestroyed:
			return nil
		case stateDestroying:
			select {
			case <-l.destroyDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			if atomic.CompareAndSwapInt32(&l.state, int32(stateAvailable), int32(stateDestroying)) ||
				atomic.CompareAndSwapInt32(&l.state, int32(stateUninitialized), int32(stateDestroying)) {
				atomic.StoreInt32(&l.state, int32(stateDestroyed))
				l.destroyOnce.Do(func() { close(l.destroyDone) })
				return nil
			}
			// Lost a race with another caller's transition; retry.
		}
	}
}

// Process parses one info message and, for every recognized part,
// queues the action the configured map assigns to it. All queueing
// happens inside a single transaction; the caller (the transport
// consumer) must only ack the underlying message once Process returns
// nil, so that a crash between commit and ack merely redelivers an
// already-applied message rather than losing one.
func (l *Listener) Process(ctx context.Context, raw []byte) error {
	if state(atomic.LoadInt32(&l.state)) != stateAvailable {
		return errors.New("listener is not available")
	}
	if !gjson.ValidBytes(raw) {
		return apperrors.NewDeadLetter("info message is not valid JSON", nil)
	}
	msg := parse(raw)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewRetryable(errors.Wrap(err, "could not begin listener transaction"))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if action, ok := l.ActionMap[PartAffectedEntity]; ok {
		for _, entityID := range msg.AffectedEntities {
			params, _ := json.Marshal(refresh.Params{EntityID: entityID})
			sig := fmt.Sprintf("%s:%d", action, entityID)
			if err := l.queue(ctx, tx, action, sig, params, now); err != nil {
				return err
			}
		}
	}

	if action, ok := l.ActionMap[PartRecord]; ok && len(msg.AffectedEntities) == 0 && msg.DataSource != "" {
		params, _ := json.Marshal(notify.RecordParams{DataSource: msg.DataSource, RecordID: msg.RecordID})
		sig := fmt.Sprintf("%s:%s:%s", action, msg.DataSource, msg.RecordID)
		if err := l.queue(ctx, tx, action, sig, params, now); err != nil {
			return err
		}
	}

	if action, ok := l.ActionMap[PartInteresting]; ok {
		for _, ent := range msg.Interesting {
			params, _ := json.Marshal(notify.InterestingParams{EntityID: ent.EntityID, Degrees: ent.Degrees, Flags: ent.Flags})
			sig := fmt.Sprintf("%s:%d", action, ent.EntityID)
			if err := l.queue(ctx, tx, action, sig, params, now); err != nil {
				return err
			}
		}
	}

	if action, ok := l.ActionMap[PartNotice]; ok {
		for _, notice := range msg.Notices {
			params, _ := json.Marshal(notify.NoticeParams{Code: notice.Code, Description: notice.Description})
			sig := fmt.Sprintf("%s:%s:%s", action, notice.Code, notice.Description)
			if err := l.queue(ctx, tx, action, sig, params, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewRetryable(errors.Wrap(err, "could not commit listener transaction"))
	}
	return nil
}

// queue delegates to the scheduling service's own dedup/multiplicity
// logic rather than re-deriving it here, so a message part and a
// handler-emitted follow-up for the same signature collapse the same
// way regardless of which side queued first.
func (l *Listener) queue(ctx context.Context, tx types.Querier, action, signature string, params []byte, visibleAt time.Time) error {
	if err := l.Scheduler.Commit(ctx, tx, action, signature, params, visibleAt); err != nil {
		return apperrors.NewRetryable(errors.Wrap(err, "could not queue task from info message"))
	}
	return nil
}

// message is the parser's normalized view of one info message.
type message struct {
	DataSource       string
	RecordID         string
	AffectedEntities []int64
	Interesting      []interestingEntity
	Notices          []notice
}

type interestingEntity struct {
	EntityID int64
	Degrees  int
	Flags    []string
}

type notice struct {
	Code        string
	Description string
}

// parse extracts a message from raw JSON, tolerating the alternate
// field names the upstream engine is known to emit for the same
// concept (DATA_SOURCE vs dataSource, RECORD_ID vs recordId, ENTITY_ID
// vs id, DEGREES vs degrees, CODE vs code, DESCRIPTION vs description).
// Empty MATCH_KEY strings are normalized to empty
// (treated as null downstream) and logged rather than rejected.
func parse(raw []byte) message {
	root := gjson.ParseBytes(raw)

	msg := message{
		DataSource: firstString(root, "DATA_SOURCE", "dataSource"),
		RecordID:   firstString(root, "RECORD_ID", "recordId"),
	}

	for _, ent := range root.Get("AFFECTED_ENTITIES").Array() {
		msg.AffectedEntities = append(msg.AffectedEntities, firstInt(ent, "ENTITY_ID", "id"))
	}

	for _, ent := range root.Get("INTERESTING_ENTITIES.ENTITIES").Array() {
		var flags []string
		for _, f := range ent.Get("FLAGS").Array() {
			flags = append(flags, f.String())
		}
		msg.Interesting = append(msg.Interesting, interestingEntity{
			EntityID: firstInt(ent, "ENTITY_ID", "id"),
			Degrees:  int(firstInt(ent, "DEGREES", "degrees")),
			Flags:    flags,
		})
	}

	for _, n := range root.Get("INTERESTING_ENTITIES.NOTICES").Array() {
		msg.Notices = append(msg.Notices, notice{
			Code:        firstString(n, "CODE", "code"),
			Description: firstString(n, "DESCRIPTION", "description"),
		})
	}

	if matchKey := firstString(root, "MATCH_KEY", "matchKey"); matchKey == "" && root.Get("MATCH_KEY").Exists() {
		log.WithField("data_source", msg.DataSource).Debug("empty MATCH_KEY normalized to null")
	}

	return msg
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r.String()
		}
	}
	return ""
}

func firstInt(v gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r.Int()
		}
	}
	return 0
}
