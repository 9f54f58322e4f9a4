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

// Package server exposes the operability HTTP surface: a liveness
// probe and the Prometheus registry backing the statistics
// aggregator. It carries no query surface for the data mart itself.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/util/stopper"
)

// Liveness reports whether the process considers itself healthy. A
// nil error means ready; inject.Build wires it to a ping of the
// data-mart pool.
type Liveness func(ctx context.Context) error

// Server is the /healthz and /metrics HTTP endpoint.
type Server struct {
	Addr     string
	Registry *prometheus.Registry
	Check    Liveness

	http *http.Server
}

// Run starts listening on Addr and serves until sc is stopped, at
// which point it shuts down gracefully within the grace period
// cdc-sink's own cleanup chains use for HTTP listeners.
func (s *Server) Run(sc *stopper.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: s.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "operability server failed")
			return
		}
		errCh <- nil
	}()

	select {
	case <-sc.Stopping():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("could not gracefully shut down operability server")
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Check != nil {
		if err := s.Check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
