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

// Package stats is the statistics aggregator: a small set of
// Prometheus counters additionally exposed as a flat name->number
// snapshot, for callers (and tests) that just want the numbers.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entitymart/replicator/internal/types"
)

// Aggregator implements types.Stats on top of a small fixed set of
// promauto counter vectors, mirroring the way the connection-pool
// metrics are registered in the staging layer this project was
// adapted from.
type Aggregator struct {
	mu     sync.Mutex
	values map[string]float64

	counters *prometheus.CounterVec
}

// New constructs an Aggregator and registers its counter vector with
// reg. Passing prometheus.DefaultRegisterer is typical in production;
// tests should pass a fresh prometheus.NewRegistry() to avoid
// duplicate-registration panics across test runs.
func New(reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{values: make(map[string]float64)}
	a.counters = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicator",
		Name:      "events_total",
		Help:      "Count of named replicator events.",
	}, []string{"name"})
	return a
}

// Inc adds delta to the named counter.
func (a *Aggregator) Inc(name string, delta float64) {
	a.counters.WithLabelValues(name).Add(delta)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[name] += delta
}

// Snapshot returns a copy of every counter's current value.
func (a *Aggregator) Snapshot() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

var _ types.Stats = (*Aggregator)(nil)
