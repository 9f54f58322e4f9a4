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

// Package inject is the composition root. It is hand-assembled in the
// style wire would generate rather than built with wire.Build, since
// no generator runs as part of this module's build; Build below
// constructs the same dependency graph wire.NewSet would encode, as a
// single, non-generated injector.
package inject

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/dialect"
	"github.com/entitymart/replicator/internal/dispatch"
	"github.com/entitymart/replicator/internal/engine"
	"github.com/entitymart/replicator/internal/listener"
	"github.com/entitymart/replicator/internal/locks"
	"github.com/entitymart/replicator/internal/mart"
	"github.com/entitymart/replicator/internal/notify"
	"github.com/entitymart/replicator/internal/pool"
	"github.com/entitymart/replicator/internal/refresh"
	"github.com/entitymart/replicator/internal/reportupdater"
	"github.com/entitymart/replicator/internal/schema"
	"github.com/entitymart/replicator/internal/scheduler"
	"github.com/entitymart/replicator/internal/server"
	"github.com/entitymart/replicator/internal/stats"
	"github.com/entitymart/replicator/internal/transport"
	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/stopper"

	"github.com/prometheus/client_golang/prometheus"
)

// Action names shared between the listener's action map and the
// dispatcher's registry; the listener only ever queues one of these,
// and the registry only ever has to answer for these.
const (
	ActionRefreshEntity  = "refresh-entity"
	ActionUpdateReport   = "update-report"
	ActionProcessRecord  = "process-record"
	ActionHandleInterest = "handle-interesting"
	ActionHandleNotice   = "handle-notice"
)

// Replicator bundles every long-running component main assembles,
// plus the pieces it needs to probe for readiness and to shut down in
// order.
type Replicator struct {
	Pool       *types.Pool
	Scheduler  *scheduler.Service
	Leases     *locks.Manager
	Dispatcher *dispatch.Pool
	Listener   *listener.Listener
	Source     transport.Source
	Server     *server.Server
	OwnerID    string
}

// Build wires every component named by the external-interface and
// component-design sections from a validated Options, in dependency
// order: pool, schema, stats, dialect, mart, locks, scheduler, engine
// client, handlers, registry, dispatcher, listener, transport source,
// server. It does not start anything; callers run the returned
// goroutines via sc.Go.
func Build(sc *stopper.Context, opts *config.Options) (*Replicator, error) {
	rate, err := config.Profile(opts.ProcessingRate)
	if err != nil {
		return nil, err
	}

	connURI, err := config.ParseConnectionURI(opts.DatabaseURI)
	if err != nil {
		return nil, err
	}

	var coreSettingsRaw []byte
	if connURI.CoreSettings != nil || opts.CoreSettings != "" {
		coreSettingsRaw, err = loadCoreSettings(opts.CoreSettings)
		if err != nil {
			return nil, err
		}
	}
	if connURI.CoreSettings != nil {
		connURI, err = connURI.Resolve(coreSettingsRaw)
		if err != nil {
			return nil, err
		}
	}

	dbPool, err := pool.Open(sc, connURI)
	if err != nil {
		return nil, err
	}

	if err := schema.Ensure(sc, dbPool.DB, dbPool.Product, false); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	statsAgg := stats.New(registry)

	d := dialect.New(dbPool.Product)
	martRepo := &mart.Repository{Dialect: d}
	leases := &locks.Manager{DB: dbPool.DB}
	sched := &scheduler.Service{DB: dbPool.DB, Product: dbPool.Product, Stats: statsAgg, MaxRetry: 5}

	engineClient, err := buildEngineClient(opts, coreSettingsRaw)
	if err != nil {
		return nil, err
	}

	ownerID := uuid.NewString()

	refreshHandler := &refresh.Handler{
		Engine:    engineClient,
		Mart:      martRepo,
		Scheduler: sched,
		Rate:      rate,
		Stats:     statsAgg,
		OwnerID:   ownerID,
	}
	reportHandler := &reportupdater.Handler{
		Scheduler: sched,
		Dialect:   d,
		Product:   dbPool.Product,
		Rate:      rate,
		Stats:     statsAgg,
		OwnerID:   ownerID,
	}
	recordHandler := &notify.RecordHandler{Mart: martRepo, Scheduler: sched, Rate: rate, Stats: statsAgg}
	interestingHandler := &notify.InterestingHandler{Scheduler: sched, Rate: rate, Stats: statsAgg}
	noticeHandler := &notify.NoticeHandler{Stats: statsAgg}

	reg := dispatch.Registry{
		ActionRefreshEntity:  refreshHandler,
		ActionUpdateReport:   reportHandler,
		ActionProcessRecord:  recordHandler,
		ActionHandleInterest: interestingHandler,
		ActionHandleNotice:   noticeHandler,
	}

	dispatcher := &dispatch.Pool{
		DB:          dbPool.DB,
		Scheduler:   sched,
		Leases:      leases,
		Registry:    reg,
		Rate:        rate,
		Stats:       statsAgg,
		Concurrency: opts.CoreConcurrency,
		OwnerID:     ownerID,
	}

	lst := listener.New(dbPool.DB, sched, listener.DefaultActionMap())
	if err := lst.Init(sc); err != nil {
		return nil, err
	}

	source, err := buildSource(sc, opts, dbPool)
	if err != nil {
		return nil, err
	}

	srv := &server.Server{
		Addr:     ":9090",
		Registry: registry,
		Check:    func(ctx context.Context) error { return dbPool.PingContext(ctx) },
	}

	return &Replicator{
		Pool:       dbPool,
		Scheduler:  sched,
		Leases:     leases,
		Dispatcher: dispatcher,
		Listener:   lst,
		Source:     source,
		Server:     srv,
		OwnerID:    ownerID,
	}, nil
}

// buildEngineClient constructs the resolution-engine client. The
// base URL is read from the core-settings document rather than a flag
// of its own, since the external-interface table names no such flag:
// deployments that front the engine with its REST API are expected to
// carry the endpoint alongside the rest of the engine configuration.
func buildEngineClient(opts *config.Options, coreSettingsRaw []byte) (types.EngineClient, error) {
	baseURL := ""
	if len(coreSettingsRaw) > 0 {
		url, err := config.ResolveEngineURL(coreSettingsRaw)
		if err == nil {
			baseURL = url
		} else {
			log.WithError(err).Debug("core-settings document has no /HTTP/BASE_URL entry, engine client has no base URL")
		}
	}
	return &engine.HTTPClient{
		BaseURL:      baseURL,
		InstanceName: opts.CoreInstanceName,
		ConfigID:     opts.CoreConfigID,
		HTTP:         http.DefaultClient,
	}, nil
}

// loadCoreSettings resolves --core-settings: a literal JSON object if
// raw parses as one, otherwise a path to a file containing one.
func loadCoreSettings(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	b, err := os.ReadFile(raw)
	if err != nil {
		return nil, errors.Wrap(err, "could not read --core-settings file")
	}
	return b, nil
}

// buildSource constructs the one transport consumer selected by
// Options.Source; Preflight guarantees exactly one is configured.
func buildSource(sc *stopper.Context, opts *config.Options, dbPool *types.Pool) (transport.Source, error) {
	switch opts.Source() {
	case config.SourceSQS:
		uri, err := config.ParseSQSInfoURI(opts.SQSInfoURI)
		if err != nil {
			return nil, err
		}
		return transport.NewSQSSource(sc, uri)
	case config.SourceRabbit:
		uri, err := config.ParseRabbitInfoURI(opts.RabbitInfoURI)
		if err != nil {
			return nil, err
		}
		return transport.NewRabbitSource(uri, opts.RabbitInfoQueue)
	case config.SourceDatabase:
		return &transport.DatabaseSource{DB: dbPool.DB, Product: dbPool.Product}, nil
	default:
		return nil, errors.New("no message source configured")
	}
}
