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

// Package types contains data types and interfaces that define the
// major functional blocks of the replication engine. Keeping them in
// one package lets the schema manager, bulk writer, and junction
// projector compose without import cycles back to the registry or the
// source/sink collaborators.
package types

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// SinkType is one of the fixed Postgres column types the engine will
// ever create. JSONB is the universal fallback: any column may be
// promoted to it, and it may never be promoted further.
type SinkType string

// The complete, closed set of sink column types.
const (
	Boolean     SinkType = "boolean"
	BigInt      SinkType = "bigint"
	Double      SinkType = "double precision"
	Numeric     SinkType = "numeric"
	Timestamptz SinkType = "timestamptz"
	Text        SinkType = "text"
	Bytea       SinkType = "bytea"
	JSONB       SinkType = "jsonb"
	// Pending reserves a column name in the registry before the
	// physical column and its concrete type have been committed.
	Pending SinkType = "pending"
)

// Document is a single source record, keyed by its top-level field
// names. The special "_id" key holds the document's primary key; it
// is stored in the sink table's "_id" primary-key column and is never
// one of the evolving columns.
type Document map[string]any

// ID returns the document's "_id" field stringified, or an error
// satisfying ErrMissingID if absent.
func (d Document) ID() (string, error) {
	v, ok := d["_id"]
	if !ok || v == nil {
		return "", errors.WithStack(ErrMissingID)
	}
	return StringifyID(v), nil
}

// StringifyID renders a document's identifier value (an ObjectID,
// string, or other scalar) as the text that will be stored in the
// sink's "_id" column.
func StringifyID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Sentinel errors for the taxonomy in spec §7. Callers distinguish
// them with errors.Is/errors.As rather than string comparison.
var (
	// ErrConfiguration marks a missing or invalid startup setting.
	// Fatal: the process should exit(1) without retrying.
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingID marks a source document with no usable "_id".
	// Data-integrity failure: the operator must intervene.
	ErrMissingID = errors.New("document missing _id")

	// ErrTypeConflict is raised by the value codec when a value
	// cannot be represented in a column's current sink type. It is an
	// internal signal, not an operational error: the bulk writer
	// treats it as a trigger to fall back from the copy path to the
	// parameterized path.
	ErrTypeConflict = errors.New("type conflict")
)

// ColumnState is the schema manager's view of one sink column. Column
// holds the sanitized column name as a plain string so this package
// does not need to import internal/ident.
type ColumnState struct {
	Column string
	Type   SinkType
}

// FKExtractFields declares, per collection, which top-level fields
// should be stored as extracted-reference text columns instead of
// jsonb. Supplied at build time (see spec §3, "Static projection
// configuration").
type FKExtractFields map[string][]string

// Has reports whether field is declared as an fk-extract field of
// collection.
func (f FKExtractFields) Has(collection, field string) bool {
	for _, c := range f[collection] {
		if c == field {
			return true
		}
	}
	return false
}

// JunctionFields declares, per collection and field, the target
// collection that an array-of-reference field should be projected
// into as junction-table edges instead of a column.
type JunctionFields map[string]map[string]string

// Target returns the target collection for a junction field, and
// whether the field is a junction field at all.
func (j JunctionFields) Target(collection, field string) (string, bool) {
	fields, ok := j[collection]
	if !ok {
		return "", false
	}
	target, ok := fields[field]
	return target, ok
}

// ProjectionConfig bundles the two static projection maps from spec
// §3 so they can be threaded through the schema manager, bulk writer,
// and junction projector as a single value.
type ProjectionConfig struct {
	FKExtractFields FKExtractFields
	JunctionFields  JunctionFields
}

// BatchSink is implemented by the bulk writer; both the backfill
// driver and the change-stream consumer push batches through it.
type BatchSink interface {
	// WriteBatch upserts docs into collection's table, evolving the
	// schema first via the schema manager. It does not project junction
	// fields; callers run a JunctionProjector after it returns.
	WriteBatch(ctx context.Context, collection string, docs []Document) error
}

// Deleter is implemented by whatever applies "_id"-keyed deletes to a
// collection's table.
type Deleter interface {
	Delete(ctx context.Context, collection, id string) error
}

// JunctionProjector is implemented by the junction projector; both the
// backfill driver and the change-stream consumer push documents
// through it after a successful write.
type JunctionProjector interface {
	Project(ctx context.Context, collection string, doc Document) error
}

// SinkQuerier is implemented by *pgxpool.Pool, pgxpool.Conn, pgx.Tx,
// and *pgx.Conn. It is the narrow seam the schema manager and
// junction projector need: plain statement execution, no bulk-copy.
// Mirrors the teacher's types.StagingQuerier.
type SinkQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SinkConn is a single leased physical connection: everything
// SinkQuerier offers, plus transactions and the raw textual COPY
// protocol, all guaranteed to run on the same backend. The bulk
// writer's copy path needs this guarantee because it stages a TEMP
// TABLE and then COPYs into it -- a temp table is backend-local, so
// creating it on one pooled connection and streaming the COPY through
// another would leave the COPY unable to see it.
type SinkConn interface {
	SinkQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
	// CopyFromReader streams r through this connection as the body of
	// sql (expected to be a complete "COPY ... FROM STDIN ..."
	// statement) and returns the number of rows the server reports
	// copied.
	CopyFromReader(ctx context.Context, r io.Reader, sql string) (int64, error)
}

// SinkPool additionally provides transactions (spec §4.7's junction
// replace, which needs no session-local state and so is free to run
// on whichever connection the pool hands out) and AcquireConn for
// callers that must pin several statements -- DDL, the raw COPY
// protocol, and a publish statement -- to one backend connection.
// *pgxpool.Pool provides Begin but not AcquireConn, so callers wrap it
// with internal/util/stdpool.Pool.
type SinkPool interface {
	SinkQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
	// AcquireConn leases a single physical connection until the
	// returned release func is called. Use this, not Begin alone,
	// whenever a TEMP TABLE or other session-local state must stay
	// visible across several statements, including the COPY that
	// loads it.
	AcquireConn(ctx context.Context) (SinkConn, func(), error)
}

var (
	_ SinkQuerier = (*pgxpool.Pool)(nil)
	_ SinkQuerier = (pgx.Tx)(nil)
	_ SinkQuerier = (*pgx.Conn)(nil)
)
