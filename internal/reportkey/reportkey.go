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

// Package reportkey builds the closed set of report_key strings that
// the refresh handler stamps onto pending_report rows and the report
// updater later aggregates under. The four prefixes are enumerated
// here rather than left to ad hoc string concatenation at each call
// site, so the taxonomy has one home.
package reportkey

import "strings"

// DataSource builds the "DS:<data-source>" key: per-source entity and
// record counts.
func DataSource(dataSource string) string {
	return "DS:" + dataSource
}

// CrossMatch builds the "CM:<ds1>:<ds2>" key, with the two data
// sources sorted so the key is symmetric regardless of which side of
// the match produced it.
func CrossMatch(dsA, dsB string) string {
	lo, hi := sortPair(dsA, dsB)
	return "CM:" + lo + ":" + hi
}

// Match builds the "MATCH:<match-type>:<principle>:<match-key>" key:
// per resolution rule / principle combination.
func Match(matchType, principle, matchKey string) string {
	return strings.Join([]string{"MATCH", matchType, principle, matchKey}, ":")
}

// Relation builds the "REL:<ds1>:<ds2>:<match-type>:<principle>:<match-key>"
// key: per relation signature, with the data sources sorted so that
// the same underlying relation reports under one key regardless of
// which endpoint it was computed from.
func Relation(matchType, principle, matchKey string) string {
	return strings.Join([]string{"REL", matchType, principle, matchKey}, ":")
}

// RelationWithSources is Relation, qualified by the pair of data
// sources the related records belong to.
func RelationWithSources(dsA, dsB, matchType, principle, matchKey string) string {
	lo, hi := sortPair(dsA, dsB)
	return strings.Join([]string{"REL", lo, hi, matchType, principle, matchKey}, ":")
}

func sortPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}
