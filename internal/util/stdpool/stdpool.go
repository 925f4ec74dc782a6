// Copyright 2024 The Authors.
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

// Package stdpool creates the standardized source and sink connection
// pools the rest of the engine runs against. The sink pool is retried
// while the server is still starting up; the source client gets a
// single ping with a timeout and no retry.
package stdpool

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/arrowdb/pgsync/internal/types"
)

// Pool wraps a *pgxpool.Pool to additionally satisfy types.SinkPool's
// AcquireConn, which pgxpool.Pool does not expose directly: anything
// that needs several statements pinned to one backend (the bulk
// writer's staging-table copy path, most notably) must acquire a
// connection explicitly rather than have the pool hand out a
// different one per call.
type Pool struct {
	*pgxpool.Pool
}

// AcquireConn leases a single physical connection from the pool. The
// returned types.SinkConn runs every statement -- DDL, COPY, and any
// transaction begun on it -- against that one backend, so
// session-local state (a TEMP TABLE, most notably) stays visible
// across all of them. Callers must call the returned release func
// once done.
func (p *Pool) AcquireConn(ctx context.Context) (types.SinkConn, func(), error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "acquire connection")
	}
	return &leasedConn{conn: conn}, conn.Release, nil
}

// leasedConn adapts a single *pgxpool.Conn to types.SinkConn.
type leasedConn struct {
	conn *pgxpool.Conn
}

func (c *leasedConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *leasedConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *leasedConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *leasedConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}

// CopyFromReader runs the raw textual COPY protocol on this
// connection specifically, not a connection acquired fresh from the
// pool, so it observes whatever this connection's current transaction
// has staged.
func (c *leasedConn) CopyFromReader(ctx context.Context, r io.Reader, sql string) (int64, error) {
	tag, err := c.conn.Conn().PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, errors.Wrap(err, "copy from stdin")
	}
	return tag.RowsAffected(), nil
}

// OpenSink opens the Postgres-compatible sink pool described by dsn,
// waiting up to a few retries for the server to accept connections
// before giving up. The returned close function releases the pool.
func OpenSink(ctx context.Context, dsn string) (*Pool, func(), error) {
	var pool *pgxpool.Pool
	var err error

	const attempts = 5
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				break
			} else {
				err = pingErr
				pool.Close()
			}
		}
		if attempt == attempts {
			break
		}
		log.WithError(err).Infof("sink not ready yet, retrying (%d/%d)", attempt, attempts)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(attempt)):
		}
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to sink database")
	}

	ret := &Pool{Pool: pool}
	return ret, ret.Close, nil
}

// OpenSourceAsMongo connects to the source MongoDB deployment
// described by uri, mirroring the teacher's OpenMySQLAsTarget
// connect-and-ping idiom but against a document database rather than
// a second relational one.
func OpenSourceAsMongo(ctx context.Context, uri string) (*mongo.Client, func(), error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not build source client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, errors.Wrap(err, "could not ping source database")
	}

	closeFn := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.WithError(err).Warn("could not close source connection")
		}
	}
	return client, closeFn, nil
}
