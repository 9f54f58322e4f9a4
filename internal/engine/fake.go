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
	"context"
	"sync"

	"github.com/entitymart/replicator/internal/types"
)

// Fake is an in-memory types.EngineClient for tests: the refresh
// handler's behavior can be driven entirely by mutating Resolutions
// between refreshes, without standing up an HTTP server.
type Fake struct {
	mu          sync.Mutex
	Resolutions map[int64]types.EntityResolution
}

var _ types.EngineClient = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{Resolutions: make(map[int64]types.EntityResolution)}
}

// Set installs the resolution the fake should return for entityID.
func (f *Fake) Set(entityID int64, res types.EntityResolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolutions[entityID] = res
}

// Clear removes entityID, so that FetchEntity subsequently reports
// ok=false, simulating the engine discovering no records remain.
func (f *Fake) Clear(entityID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Resolutions, entityID)
}

// FetchEntity implements types.EngineClient.
func (f *Fake) FetchEntity(_ context.Context, entityID int64) (types.EntityResolution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.Resolutions[entityID]
	return res, ok, nil
}
