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

// Package engine is the client for the opaque resolution engine: given
// an entity id, it returns the engine's current view of that entity's
// records and relations.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/entitymart/replicator/internal/apperrors"
	"github.com/entitymart/replicator/internal/types"
)

// HTTPClient is an EngineClient backed by the resolution engine's
// HTTP API. Its request/response shape is a product of the upstream
// engine's "why" and "export" style endpoints, so fields are parsed
// tolerantly with gjson rather than a strict struct, matching how the
// listener parses info messages.
type HTTPClient struct {
	BaseURL      string
	InstanceName string
	ConfigID     int64
	HTTP         *http.Client
}

var _ types.EngineClient = (*HTTPClient)(nil)

// FetchEntity asks the engine to resolve entityID, returning ok=false
// if the engine reports the entity no longer exists.
func (c *HTTPClient) FetchEntity(ctx context.Context, entityID int64) (types.EntityResolution, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/entities/%d", c.BaseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.EntityResolution{}, false, apperrors.NewFatal(errors.Wrap(err, "could not build engine request"))
	}
	req.Header.Set("X-Core-Instance-Name", c.InstanceName)

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return types.EntityResolution{}, false, apperrors.NewRetryable(errors.Wrap(err, "engine request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.EntityResolution{}, false, nil
	}
	if resp.StatusCode >= 500 {
		return types.EntityResolution{}, false, apperrors.NewRetryable(
			errors.Errorf("engine returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return types.EntityResolution{}, false, apperrors.NewFatal(
			errors.Errorf("engine returned status %d", resp.StatusCode))
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return types.EntityResolution{}, false, apperrors.NewRetryable(errors.Wrap(err, "could not read engine response"))
	}

	return parseResolution(entityID, buf.Bytes())
}

func parseResolution(entityID int64, body []byte) (types.EntityResolution, bool, error) {
	if !gjson.ValidBytes(body) {
		return types.EntityResolution{}, false, apperrors.NewFatal(errors.New("engine response is not valid JSON"))
	}
	root := gjson.ParseBytes(body)

	ret := types.EntityResolution{
		EntityID: entityID,
		Name:     root.Get("ENTITY_NAME").String(),
	}

	for _, rec := range root.Get("RECORDS").Array() {
		matchKey := rec.Get("MATCH_KEY").String()
		if matchKey == "" {
			log.WithFields(log.Fields{
				"entity_id":   entityID,
				"data_source": rec.Get("DATA_SOURCE").String(),
				"record_id":   rec.Get("RECORD_ID").String(),
			}).Debug("empty MATCH_KEY normalized to null")
		}
		ret.Records = append(ret.Records, types.ResolvedRecord{
			DataSource: rec.Get("DATA_SOURCE").String(),
			RecordID:   rec.Get("RECORD_ID").String(),
			MatchKey:   matchKey,
			ErruleCode: rec.Get("ERRULE_CODE").String(),
			Principle:  rec.Get("PRINCIPLE").String(),
		})
	}

	for _, rel := range root.Get("RELATED_ENTITIES").Array() {
		isAmbiguous := rel.Get("IS_AMBIGUOUS").Bool()
		isDisclosed := rel.Get("IS_DISCLOSED").Bool()
		ret.Relations = append(ret.Relations, types.ResolvedRelation{
			RelatedID:   rel.Get("ENTITY_ID").Int(),
			MatchType:   relationMatchType(rel, isAmbiguous, isDisclosed),
			MatchKey:    rel.Get("MATCH_KEY").String(),
			ErruleCode:  rel.Get("ERRULE_CODE").String(),
			Principle:   rel.Get("PRINCIPLE").String(),
			IsAmbiguous: isAmbiguous,
			IsDisclosed: isDisclosed,
		})
	}

	return ret, true, nil
}

// relationMatchType derives the stored match_type: AMBIGUOUS_MATCH and
// DISCLOSED_RELATION take priority over the engine's own
// MATCH_LEVEL_CODE, per the tie-breaking rules for ambiguous and
// disclosed relationships.
func relationMatchType(rel gjson.Result, isAmbiguous, isDisclosed bool) string {
	switch {
	case isAmbiguous:
		return "AMBIGUOUS_MATCH"
	case isDisclosed:
		return "DISCLOSED_RELATION"
	default:
		return rel.Get("MATCH_LEVEL_CODE").String()
	}
}

// defaultTimeout bounds a single engine round trip; retryable errors
// past this point are left to the scheduler's backoff rather than
// retried inline.
const defaultTimeout = 30 * time.Second
