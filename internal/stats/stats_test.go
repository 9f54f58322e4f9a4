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

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestIncAndSnapshot(t *testing.T) {
	a := New(prometheus.NewRegistry())
	a.Inc("tasks.dead_lettered", 1)
	a.Inc("tasks.dead_lettered", 2)
	a.Inc("entities.refreshed", 1)

	snap := a.Snapshot()
	assert.Equal(t, float64(3), snap["tasks.dead_lettered"])
	assert.Equal(t, float64(1), snap["entities.refreshed"])
}
