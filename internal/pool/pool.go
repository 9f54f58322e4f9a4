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

// Package pool opens standardized data-mart connection pools for the
// PostgreSQL and SQLite dialects.
package pool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver
	_ "modernc.org/sqlite"              // register "sqlite" driver

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/types"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// Open dials the data-mart database named by uri, returning a pool
// that is closed when ctx stops. PostgreSQL is reached through the
// pgx stdlib adapter so that both dialects present the same
// database/sql surface to the rest of the process.
func Open(ctx *stopper.Context, uri config.ConnectionURI) (*types.Pool, error) {
	switch {
	case uri.Postgres != nil:
		return openPostgres(ctx, uri.Postgres)
	case uri.SQLite != nil:
		return openSQLite(ctx, uri.SQLite)
	default:
		return nil, errors.New("connection URI must resolve to postgres or sqlite before opening a pool")
	}
}

func openPostgres(ctx *stopper.Context, u *config.PostgresURI) (*types.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?search_path=%s",
		u.User, u.Password, u.Host, u.Port, u.Database, u.Schema)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open postgres database")
	}
	ret := &types.Pool{
		DB: db,
		PoolInfo: types.PoolInfo{
			ConnectionString: dsn,
			Product:          types.ProductPostgreSQL,
		},
	}
	return finish(ctx, ret, "SELECT version()")
}

func openSQLite(ctx *stopper.Context, u *config.SQLiteURI) (*types.Pool, error) {
	db, err := sql.Open("sqlite", u.Path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sqlite database")
	}
	// The data-mart schema relies on foreign keys and a single writer;
	// a busy-timeout avoids spurious SQLITE_BUSY errors under the
	// locks-table contention the scheduler intentionally creates.
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, errors.Wrap(err, "could not configure sqlite connection")
	}
	db.SetMaxOpenConns(1)

	ret := &types.Pool{
		DB: db,
		PoolInfo: types.PoolInfo{
			ConnectionString: u.Path,
			Product:          types.ProductSQLite,
		},
	}
	return finish(ctx, ret, "SELECT sqlite_version()")
}

func finish(ctx *stopper.Context, ret *types.Pool, versionQuery string) (*types.Pool, error) {
	ctx.Go(func() error {
		<-ctx.Stopping()
		if err := ret.Close(); err != nil {
			log.WithError(err).Warn("could not close data-mart connection")
		}
		return nil
	})

	if err := ret.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "could not ping the data-mart database")
	}
	if err := ret.QueryRowContext(ctx, versionQuery).Scan(&ret.Version); err != nil {
		return nil, errors.Wrap(err, "could not query data-mart version")
	}
	log.Infof("connected to %s (%s)", ret.Product, ret.Version)
	return ret, nil
}
