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

// Command replicator runs the data-mart replicator: it consumes
// resolution-engine info messages from one configured transport,
// maintains the entity/record/relation mart, and folds the resulting
// deltas into per-key reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/buildinfo"
	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/inject"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// Exit codes per the external-interface table: 0 normal shutdown, 1
// CLI validation error, 2 runtime fatal.
const (
	exitOK     = 0
	exitUsage  = 1
	exitFatal  = 2
	reapPeriod = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("replicator", pflag.ContinueOnError)
	var opts config.Options
	opts.Bind(fs)

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		config.Usage(fs)
		return exitUsage
	}

	if err := opts.Preflight(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.Usage(fs)
		return exitUsage
	}

	if opts.Help {
		config.Usage(fs)
		return exitOK
	}
	if opts.Version {
		fmt.Println(buildinfo.String())
		return exitOK
	}

	if opts.CoreLogLevelVerbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if strings.HasPrefix(opts.DatabaseURI, "sqlite3://") {
		log.Warn("sqlite3 data-mart selected: this file must not be shared with a running resolution engine, " +
			"which holds long writer transactions against its own database")
	}

	sc := stopper.WithContext(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown requested")
		sc.Stop(10 * time.Second)
	}()

	repl, err := inject.Build(sc, &opts)
	if err != nil {
		log.WithError(err).Error("could not start replicator")
		return exitFatal
	}

	if _, err := repl.Leases.Reap(sc); err != nil {
		log.WithError(err).Error("could not clear stale locks at startup")
		return exitFatal
	}

	sc.Go(func() error {
		reapExpiredTaskLeases(sc, repl)
		return nil
	})

	repl.Dispatcher.Run(sc)

	sc.Go(func() error {
		return repl.Source.Run(sc, repl.Listener.Process)
	})

	sc.Go(func() error {
		return repl.Server.Run(sc)
	})

	<-sc.Stopping()
	sc.Stop(10 * time.Second)

	destroyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repl.Listener.Destroy(destroyCtx); err != nil {
		log.WithError(err).Warn("could not cleanly destroy listener")
	}

	if err := sc.Failure(); err != nil {
		log.WithError(err).Error("replicator stopped with an error")
		return exitFatal
	}
	return exitOK
}

// reapExpiredTaskLeases periodically reclaims expired task leases,
// standing in for the janitor thread the dispatcher would otherwise
// need an external cron job to drive.
func reapExpiredTaskLeases(sc *stopper.Context, repl *inject.Replicator) {
	ticker := time.NewTicker(reapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sc.Stopping():
			return
		case <-ticker.C:
			if n, err := repl.Scheduler.ReapExpiredLeases(sc); err != nil {
				log.WithError(err).Warn("could not reap expired task leases")
			} else if n > 0 {
				log.WithField("count", n).Debug("reaped expired task leases")
			}
		}
	}
}
