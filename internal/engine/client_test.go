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

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResolutionRelationPrincipleIsTheRuleCode(t *testing.T) {
	body := []byte(`{
		"ENTITY_NAME": "Acme Corp",
		"RECORDS": [],
		"RELATED_ENTITIES": [
			{"ENTITY_ID": 20, "MATCH_LEVEL_CODE": "POSSIBLE_MATCH", "MATCH_KEY": "NAME+DOB", "ERRULE_CODE": "F1", "PRINCIPLE": "NAME"}
		]
	}`)

	res, ok, err := parseResolution(10, body)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, res.Relations, 1)

	rel := res.Relations[0]
	require.Equal(t, "NAME", rel.Principle)
	require.Equal(t, "NAME+DOB", rel.MatchKey)
	require.Equal(t, "POSSIBLE_MATCH", rel.MatchType)
}

func TestParseResolutionAmbiguousAndDisclosedOverrideMatchLevel(t *testing.T) {
	body := []byte(`{
		"ENTITY_NAME": "Acme Corp",
		"RECORDS": [],
		"RELATED_ENTITIES": [
			{"ENTITY_ID": 20, "MATCH_LEVEL_CODE": "POSSIBLE_MATCH", "IS_AMBIGUOUS": 1},
			{"ENTITY_ID": 30, "MATCH_LEVEL_CODE": "POSSIBLE_MATCH", "IS_DISCLOSED": 1},
			{"ENTITY_ID": 40, "MATCH_LEVEL_CODE": "POSSIBLY_SAME"}
		]
	}`)

	res, ok, err := parseResolution(10, body)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, res.Relations, 3)

	require.Equal(t, "AMBIGUOUS_MATCH", res.Relations[0].MatchType)
	require.True(t, res.Relations[0].IsAmbiguous)

	require.Equal(t, "DISCLOSED_RELATION", res.Relations[1].MatchType)
	require.True(t, res.Relations[1].IsDisclosed)

	require.Equal(t, "POSSIBLY_SAME", res.Relations[2].MatchType)
}
