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

// Package notify implements the dispatcher actions the listener
// schedules for the message parts that do not carry a bare entity id
// directly: a record-level notification, an "interesting entity"
// notification, and an informational notice. All three ultimately
// either queue a refresh-entity follow-up or simply record a
// statistic; neither mutates the data mart itself.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/mart"
	"github.com/entitymart/replicator/internal/types"
)

// RecordParams is the JSON shape of a process-record task.
type RecordParams struct {
	DataSource string `json:"DATA_SOURCE"`
	RecordID   string `json:"RECORD_ID"`
}

// RecordHandler implements the "process-record" action: a bare
// DATA_SOURCE/RECORD_ID notification with no accompanying
// AFFECTED_ENTITIES list. The record's current owner, if any, is
// looked up in the mart and a refresh-entity follow-up queued for it.
type RecordHandler struct {
	Mart      *mart.Repository
	Scheduler types.Scheduler
	Rate      config.Rate
	Stats     types.Stats
}

var _ types.Handler = (*RecordHandler)(nil)

func (h *RecordHandler) Handle(ctx context.Context, tx types.Querier, task types.Task) error {
	var params RecordParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return apperrors.NewDeadLetter("malformed process-record parameters", err)
	}

	entityID, ok, err := h.Mart.FindRecordOwner(ctx, tx, params.DataSource, params.RecordID)
	if err != nil {
		return apperrors.NewRetryable(err)
	}
	if !ok {
		if h.Stats != nil {
			h.Stats.Inc("records.owner_unknown", 1)
		}
		return nil
	}

	return queueRefresh(ctx, tx, h.Scheduler, entityID, h.Rate)
}

// InterestingParams is the JSON shape of one entry in
// INTERESTING_ENTITIES.ENTITIES.
type InterestingParams struct {
	EntityID int64    `json:"ENTITY_ID"`
	Degrees  int      `json:"DEGREES"`
	Flags    []string `json:"FLAGS"`
}

// InterestingHandler implements the "handle-interesting" action: the
// engine flagged entityID as interesting (e.g. a relationship degree
// or ambiguity worth surfacing). The entity still needs its own
// refresh to converge the data mart, same as any other affected
// entity; the flags are only recorded as statistics.
type InterestingHandler struct {
	Scheduler types.Scheduler
	Rate      config.Rate
	Stats     types.Stats
}

var _ types.Handler = (*InterestingHandler)(nil)

func (h *InterestingHandler) Handle(ctx context.Context, tx types.Querier, task types.Task) error {
	var params InterestingParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return apperrors.NewDeadLetter("malformed handle-interesting parameters", err)
	}

	if h.Stats != nil {
		for _, flag := range params.Flags {
			h.Stats.Inc("entities.interesting."+flag, 1)
		}
	}

	return queueRefresh(ctx, tx, h.Scheduler, params.EntityID, h.Rate)
}

// NoticeParams is the JSON shape of one entry in
// INTERESTING_ENTITIES.NOTICES.
type NoticeParams struct {
	Code        string `json:"CODE"`
	Description string `json:"DESCRIPTION"`
}

// NoticeHandler implements the "handle-notice" action: a purely
// informational engine notice with no associated entity. It is
// logged and counted; it never touches the data mart or the queue.
type NoticeHandler struct {
	Stats types.Stats
}

var _ types.Handler = (*NoticeHandler)(nil)

func (h *NoticeHandler) Handle(_ context.Context, _ types.Querier, task types.Task) error {
	var params NoticeParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return apperrors.NewDeadLetter("malformed handle-notice parameters", err)
	}

	log.WithFields(log.Fields{"code": params.Code, "description": params.Description}).Info("engine notice")
	if h.Stats != nil {
		h.Stats.Inc("notices."+params.Code, 1)
	}
	return nil
}

func queueRefresh(ctx context.Context, tx types.Querier, sched types.Scheduler, entityID int64, rate config.Rate) error {
	params, _ := json.Marshal(struct {
		EntityID int64 `json:"ENTITY_ID"`
	}{entityID})
	sig := fmt.Sprintf("refresh-entity:%d", entityID)
	visibleAt := time.Now().UTC().Add(rate.FollowUpDelay)
	if err := sched.Commit(ctx, tx, "refresh-entity", sig, params, visibleAt); err != nil {
		return apperrors.NewRetryable(err)
	}
	return nil
}
