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

package junction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/types"
)

// fakeSink is shared in shape with the bulkwriter and schema tests: a
// hand-rolled sink tracking the collection registry plus every
// DELETE/INSERT issued against a junction table.
type fakeSink struct {
	mu sync.Mutex

	tables  map[string]string
	ddlLog  []string
	execLog []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{tables: map[string]string{}}
}

func uniqueViolationErr() error { return &pgconn.PgError{Code: "23505"} }

func (f *fakeSink) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, sql)
	if strings.Contains(sql, "CREATE TABLE") && strings.Contains(sql, "_branch") {
		f.ddlLog = append(f.ddlLog, sql)
	}
	_ = args
	return pgconn.CommandTag{}, nil
}

func (f *fakeSink) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(sql, "INSERT INTO collection_registry"):
		collection, tableName := args[0].(string), args[1].(string)
		if _, ok := f.tables[collection]; ok {
			return fakeRow{err: uniqueViolationErr()}
		}
		f.tables[collection] = tableName
		return fakeRow{vals: []any{tableName}}
	case strings.HasPrefix(sql, "SELECT pg_table_name"):
		collection := args[0].(string)
		if t, ok := f.tables[collection]; ok {
			return fakeRow{vals: []any{t}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	case strings.HasPrefix(sql, "SELECT pg_column_name"):
		return fakeRow{err: pgx.ErrNoRows}
	case strings.HasPrefix(sql, "INSERT INTO schema_registry"):
		return fakeRow{vals: []any{"col"}}
	default:
		return fakeRow{err: fmt.Errorf("unhandled query row: %s", sql)}
	}
}

func (f *fakeSink) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	if strings.HasPrefix(sql, "SELECT mongo_key, pg_column_name, pg_type") {
		return &fakeRows{}, nil
	}
	return nil, fmt.Errorf("unhandled query: %s", sql)
}

func (f *fakeSink) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{sink: f}, nil
}

func (f *fakeSink) AcquireConn(context.Context) (types.SinkConn, func(), error) {
	return nil, nil, fmt.Errorf("not used by junction tests")
}

type fakeTx struct {
	pgx.Tx
	sink *fakeSink
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.sink.Exec(ctx, sql, args...)
}
func (t *fakeTx) Commit(context.Context) error   { return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		p, ok := d.(*string)
		if !ok {
			return fmt.Errorf("unsupported scan dest %T", d)
		}
		*p = r.vals[i].(string)
	}
	return nil
}

type fakeRows struct{}

func (f *fakeRows) Close()                                       {}
func (f *fakeRows) Err() error                                   { return nil }
func (f *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRows) RawValues() [][]byte                          { return nil }
func (f *fakeRows) Conn() *pgx.Conn                               { return nil }
func (f *fakeRows) Next() bool                                    { return false }
func (f *fakeRows) Scan(...any) error                             { return nil }
func (f *fakeRows) Values() ([]any, error)                        { return nil, nil }

func newProjector(sink *fakeSink, junctionFields types.JunctionFields) (*Projector, *schema.Manager) {
	reg := registry.New(sink)
	mgr := schema.New(sink, reg, types.ProjectionConfig{})
	proj := New(sink, reg, mgr, types.ProjectionConfig{JunctionFields: junctionFields})
	return proj, mgr
}

func TestProjectDedupsAndReplacesTargets(t *testing.T) {
	sink := newFakeSink()
	proj, _ := newProjector(sink, types.JunctionFields{
		"users": {"branch": "branches"},
	})
	ctx := context.Background()

	aaa := bson.NewObjectID()
	bbb := bson.NewObjectID()

	doc := types.Document{"_id": "u1", "branch": bson.A{bbb, aaa, bbb}}
	require.NoError(t, proj.Project(ctx, "users", doc))

	var deletes, inserts int
	for _, sql := range sink.execLog {
		if strings.HasPrefix(sql, "DELETE FROM") {
			deletes++
		}
		if strings.HasPrefix(sql, "INSERT INTO \"users_branch\"") {
			inserts++
			assert.Contains(t, sql, "ON CONFLICT DO NOTHING")
			// bbb, aaa, bbb dedups to two targets: exactly two value groups.
			assert.Contains(t, sql, "VALUES ($1, $2), ($1, $3) ON CONFLICT")
		}
	}
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 1, inserts)
}

func TestProjectEmptyArrayOnlyDeletes(t *testing.T) {
	sink := newFakeSink()
	proj, _ := newProjector(sink, types.JunctionFields{
		"users": {"branch": "branches"},
	})
	ctx := context.Background()

	require.NoError(t, proj.Project(ctx, "users", types.Document{"_id": "u1", "branch": nil}))

	var sawInsert bool
	for _, sql := range sink.execLog {
		if strings.HasPrefix(sql, "INSERT INTO \"users_branch\"") {
			sawInsert = true
		}
	}
	assert.False(t, sawInsert, "an empty target set must not issue an insert")
}

func TestProjectSkipsCollectionsWithNoJunctionFields(t *testing.T) {
	sink := newFakeSink()
	proj, _ := newProjector(sink, types.JunctionFields{})
	require.NoError(t, proj.Project(context.Background(), "users", types.Document{"_id": "u1"}))
	assert.Empty(t, sink.execLog)
}

func TestProjectEnsuresJunctionTableOnlyOnce(t *testing.T) {
	sink := newFakeSink()
	proj, _ := newProjector(sink, types.JunctionFields{
		"users": {"branch": "branches"},
	})
	ctx := context.Background()
	ref := bson.NewObjectID()

	require.NoError(t, proj.Project(ctx, "users", types.Document{"_id": "u1", "branch": bson.A{ref}}))
	require.NoError(t, proj.Project(ctx, "users", types.Document{"_id": "u2", "branch": bson.A{ref}}))

	assert.Len(t, sink.ddlLog, 1, "junction table DDL should only run once per process")
}
