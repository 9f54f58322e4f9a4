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

package inject

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/transport"
	"github.com/entitymart/replicator/internal/util/stopper"
)

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	var opts config.Options
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.Bind(fs)

	opts.IgnoreEnvironment = true
	opts.CoreInstanceName = "test-instance"
	opts.CoreConcurrency = 2
	opts.ProcessingRate = "aggressive"
	opts.DatabaseInfoQueue = true
	opts.DatabaseURI = "sqlite3://na:na@" + filepath.Join(t.TempDir(), "mart.db")

	require.NoError(t, opts.Preflight(fs))
	return &opts
}

func TestBuildWiresEveryComponent(t *testing.T) {
	opts := testOptions(t)
	sc := stopper.WithContext(context.Background())
	defer sc.Stop(time.Second)

	repl, err := Build(sc, opts)
	require.NoError(t, err)

	require.NotNil(t, repl.Pool)
	require.NotNil(t, repl.Scheduler)
	require.NotNil(t, repl.Leases)
	require.NotNil(t, repl.Dispatcher)
	require.NotNil(t, repl.Listener)
	require.NotNil(t, repl.Server)
	require.IsType(t, &transport.DatabaseSource{}, repl.Source)
	require.NotEmpty(t, repl.OwnerID)
}

func TestBuildRoutesAMessageThroughTheListenerIntoTheQueue(t *testing.T) {
	opts := testOptions(t)
	sc := stopper.WithContext(context.Background())
	defer sc.Stop(time.Second)

	repl, err := Build(sc, opts)
	require.NoError(t, err)

	body := []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"REC1","AFFECTED_ENTITIES":[{"ENTITY_ID":100}]}`)
	require.NoError(t, repl.Listener.Process(context.Background(), body))

	tasks, err := repl.Scheduler.Claim(context.Background(), 10, "test-claimant", time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, ActionRefreshEntity, tasks[0].Action)
}
