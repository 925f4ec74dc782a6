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

package changestream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/types"
)

// fakeSink is shape-compatible with the one in internal/junction's
// tests, extended with a resume_tokens table.
type fakeSink struct {
	mu sync.Mutex

	tables  map[string]string
	tokens  map[string][]byte
	execLog []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{tables: map[string]string{}, tokens: map[string][]byte{}}
}

func uniqueViolationErr() error { return &pgconn.PgError{Code: "23505"} }

func (f *fakeSink) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, sql)

	switch {
	case strings.HasPrefix(sql, "INSERT INTO resume_tokens"):
		scope, token := args[0].(string), args[1].([]byte)
		f.tokens[scope] = token
	case strings.HasPrefix(sql, `DELETE FROM`):
		// deleter path; nothing to track beyond execLog
	}
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
	case strings.HasPrefix(sql, "SELECT token FROM resume_tokens"):
		scope := args[0].(string)
		if tok, ok := f.tokens[scope]; ok {
			return fakeRow{bytesVal: tok, isBytes: true}
		}
		return fakeRow{err: pgx.ErrNoRows}
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

type fakeRow struct {
	vals     []any
	bytesVal []byte
	isBytes  bool
	err      error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.isBytes {
		p, ok := dest[0].(*[]byte)
		if !ok {
			return fmt.Errorf("unsupported scan dest %T", dest[0])
		}
		*p = r.bytesVal
		return nil
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
func (f *fakeRows) Conn() *pgx.Conn                              { return nil }
func (f *fakeRows) Next() bool                                   { return false }
func (f *fakeRows) Scan(...any) error                            { return nil }
func (f *fakeRows) Values() ([]any, error)                        { return nil, nil }

// fakeCursor replays a fixed slice of events, optionally failing
// Decode on a specific index or Err() once exhausted.
type fakeCursor struct {
	events      []types.ChangeEvent
	idx         int
	decodeErrAt int // -1 disables
	iterErr     error
	closed      bool
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx >= len(c.events) {
		return false
	}
	c.idx++
	return true
}

func (c *fakeCursor) Decode() (types.ChangeEvent, error) {
	if c.decodeErrAt >= 0 && c.idx-1 == c.decodeErrAt {
		return types.ChangeEvent{}, fmt.Errorf("simulated decode error")
	}
	return c.events[c.idx-1], nil
}

func (c *fakeCursor) Err() error                  { return c.iterErr }
func (c *fakeCursor) Close(context.Context) error { c.closed = true; return nil }

// fakeSource hands out cursors (and errors) from a fixed queue, one
// per Watch call, so tests can script reconnect sequences.
type fakeSource struct {
	mu         sync.Mutex
	cursors    []*fakeCursor
	watchErrs  []error
	watchCalls int
	tokensSeen [][]byte
}

func (s *fakeSource) ListCollections(context.Context) ([]string, error) { return nil, nil }

func (s *fakeSource) ScanCollection(context.Context, string) (types.DocumentCursor, error) {
	return nil, fmt.Errorf("not used by changestream")
}

func (s *fakeSource) Watch(_ context.Context, _ []string, token []byte) (types.ChangeCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensSeen = append(s.tokensSeen, token)
	i := s.watchCalls
	s.watchCalls++

	if i < len(s.watchErrs) && s.watchErrs[i] != nil {
		return nil, s.watchErrs[i]
	}
	if i < len(s.cursors) {
		return s.cursors[i], nil
	}
	return &fakeCursor{decodeErrAt: -1}, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	batches []types.Document
	failFor string // collection name that fails WriteBatch once
	failed  bool
}

func (w *fakeWriter) WriteBatch(_ context.Context, collection string, docs []types.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if collection == w.failFor && !w.failed {
		w.failed = true
		return fmt.Errorf("simulated sink write failure")
	}
	w.batches = append(w.batches, docs...)
	return nil
}

type fakeJunction struct {
	mu        sync.Mutex
	projected []string
}

func (j *fakeJunction) Project(_ context.Context, _ string, doc types.Document) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, _ := doc.ID()
	j.projected = append(j.projected, id)
	return nil
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (d *fakeDeleter) Delete(_ context.Context, _, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	return nil
}

func noSleep(time.Duration) {}

func TestScopeAllWhenNoCollectionsSelected(t *testing.T) {
	assert.Equal(t, "db:app:all", Scope("app", nil))
}

func TestScopeStableRegardlessOfInputOrder(t *testing.T) {
	a := Scope("app", []string{"users", "branches"})
	b := Scope("app", []string{"branches", "users"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Scope("app", []string{"users"}))
}

func TestRunDispatchesInsertsAndAdvancesToken(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	writer := &fakeWriter{}
	junctionFake := &fakeJunction{}
	deleter := &fakeDeleter{}

	cursor := &fakeCursor{
		decodeErrAt: -1,
		events: []types.ChangeEvent{
			{OperationType: types.OpInsert, Collection: "users", FullDocument: types.Document{"_id": "1"}, ResumeToken: []byte("t1")},
			{OperationType: types.OpUpdate, Collection: "users", FullDocument: types.Document{"_id": "2"}, ResumeToken: []byte("t2")},
		},
	}
	source := &fakeSource{cursors: []*fakeCursor{cursor}}

	c := New(source, writer, junctionFake, deleter, reg, "app", []string{"users"})
	c.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-doneAfterEventsConsumed(cursor)
		cancel()
	}()
	_ = c.Run(ctx)

	require.Len(t, writer.batches, 2)
	assert.Len(t, junctionFake.projected, 2)

	tok, err := reg.LoadResumeToken(context.Background(), Scope("app", []string{"users"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), tok)
}

func TestRunDropsEventsWithNoFullDocument(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	writer := &fakeWriter{}
	junctionFake := &fakeJunction{}
	deleter := &fakeDeleter{}

	cursor := &fakeCursor{
		decodeErrAt: -1,
		events: []types.ChangeEvent{
			{OperationType: types.OpUpdate, Collection: "users", FullDocument: nil, ResumeToken: []byte("t1")},
		},
	}
	source := &fakeSource{cursors: []*fakeCursor{cursor}}

	c := New(source, writer, junctionFake, deleter, reg, "app", []string{"users"})
	c.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-doneAfterEventsConsumed(cursor)
		cancel()
	}()
	_ = c.Run(ctx)

	assert.Empty(t, writer.batches)
	assert.Empty(t, junctionFake.projected)
}

func TestRunDeletesDispatchToDeleter(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	writer := &fakeWriter{}
	junctionFake := &fakeJunction{}
	deleter := &fakeDeleter{}

	cursor := &fakeCursor{
		decodeErrAt: -1,
		events: []types.ChangeEvent{
			{OperationType: types.OpDelete, Collection: "users", DeletedID: "u9", ResumeToken: []byte("t1")},
		},
	}
	source := &fakeSource{cursors: []*fakeCursor{cursor}}

	c := New(source, writer, junctionFake, deleter, reg, "app", []string{"users"})
	c.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-doneAfterEventsConsumed(cursor)
		cancel()
	}()
	_ = c.Run(ctx)

	assert.Equal(t, []string{"u9"}, deleter.deleted)
}

func TestRunSkipsUnknownOperationsButAdvancesToken(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	writer := &fakeWriter{}
	junctionFake := &fakeJunction{}
	deleter := &fakeDeleter{}

	cursor := &fakeCursor{
		decodeErrAt: -1,
		events: []types.ChangeEvent{
			{OperationType: "drop", Collection: "users", ResumeToken: []byte("tdrop")},
		},
	}
	source := &fakeSource{cursors: []*fakeCursor{cursor}}

	c := New(source, writer, junctionFake, deleter, reg, "app", []string{"users"})
	c.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-doneAfterEventsConsumed(cursor)
		cancel()
	}()
	_ = c.Run(ctx)

	tok, err := reg.LoadResumeToken(context.Background(), Scope("app", []string{"users"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("tdrop"), tok)
}

func TestRunClearsTokenAndReconnectsOnSourceError(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	writer := &fakeWriter{}
	junctionFake := &fakeJunction{}
	deleter := &fakeDeleter{}

	scope := Scope("app", []string{"users"})
	require.NoError(t, reg.SaveResumeToken(context.Background(), scope, []byte("stale")))

	cursor := &fakeCursor{
		decodeErrAt: -1,
		events: []types.ChangeEvent{
			{OperationType: types.OpInsert, Collection: "users", FullDocument: types.Document{"_id": "1"}, ResumeToken: []byte("t1")},
		},
	}
	source := &fakeSource{
		watchErrs: []error{fmt.Errorf("simulated connect failure")},
		cursors:   []*fakeCursor{nil, cursor},
	}

	c := New(source, writer, junctionFake, deleter, reg, "app", []string{"users"})
	c.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-doneAfterEventsConsumed(cursor)
		cancel()
	}()
	_ = c.Run(ctx)

	require.GreaterOrEqual(t, len(source.tokensSeen), 2)
	assert.Equal(t, []byte("stale"), source.tokensSeen[0])
	assert.Nil(t, source.tokensSeen[1], "token must be cleared before the reconnect attempt")
	require.Len(t, writer.batches, 1)
}

func TestSinkDeleterIssuesDeleteByID(t *testing.T) {
	sink := newFakeSink()
	reg := registry.New(sink)
	mgr := schema.New(sink, reg, types.ProjectionConfig{})
	d := NewSinkDeleter(sink, mgr)

	require.NoError(t, d.Delete(context.Background(), "users", "u1"))

	var found bool
	for _, sql := range sink.execLog {
		if strings.HasPrefix(sql, `DELETE FROM`) && strings.Contains(sql, `"_id" = $1`) {
			found = true
		}
	}
	assert.True(t, found)
}

// doneAfterEventsConsumed returns a channel that closes once cursor
// has been fully drained, i.e. every scripted event has been
// dispatched; used to cancel Run's context deterministically instead
// of sleeping an arbitrary duration.
func doneAfterEventsConsumed(cursor *fakeCursor) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for cursor.idx < len(cursor.events) || !cursor.closed {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
		close(done)
	}()
	return done
}
