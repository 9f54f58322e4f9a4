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

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/entitymart/replicator/internal/util/stopper"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestHealthzReportsOKWhenCheckPasses(t *testing.T) {
	addr := freeAddr(t)
	sc := stopper.WithContext(context.Background())
	srv := &Server{Addr: addr, Registry: prometheus.NewRegistry(), Check: func(context.Context) error { return nil }}
	sc.Go(func() error { return srv.Run(sc) })

	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc.Stop(time.Second)
}

func TestHealthzReportsUnavailableWhenCheckFails(t *testing.T) {
	addr := freeAddr(t)
	sc := stopper.WithContext(context.Background())
	srv := &Server{Addr: addr, Registry: prometheus.NewRegistry(), Check: func(context.Context) error {
		return require.AnError
	}}
	sc.Go(func() error { return srv.Run(sc) })

	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	sc.Stop(time.Second)
}

func TestMetricsServesRegisteredCounters(t *testing.T) {
	addr := freeAddr(t)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total"})
	reg.MustRegister(counter)
	counter.Inc()

	sc := stopper.WithContext(context.Background())
	srv := &Server{Addr: addr, Registry: reg}
	sc.Go(func() error { return srv.Run(sc) })

	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc.Stop(time.Second)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server never started listening")
}
