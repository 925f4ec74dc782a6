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

// Package changestream tails the source's change log with a resumable
// cursor, dispatching events through the schema/write/junction
// pipeline and persisting resume tokens (spec §4.9).
package changestream

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/metrics"
)

// reconnectDelay is how long the consumer sleeps before reopening a
// change stream after a source-side error, and before retrying a
// sink-side failure on the current event, per spec §7 policy 2 and 3.
const reconnectDelay = 2 * time.Second

// Consumer tails collections (all of the database if empty) and
// applies each event to the sink, persisting its resume token in reg
// under scope once the event is fully processed.
type Consumer struct {
	source      types.Source
	writer      types.BatchSink
	junction    types.JunctionProjector
	deleter     types.Deleter
	reg         *registry.Registry
	collections []string
	scope       string

	sleep func(time.Duration) // overridable in tests
}

// New builds a Consumer. dbName and collections compute the resume
// scope per spec §4.9 ("db:{db}:{all|hash8-of-sorted-collection-list}").
func New(
	source types.Source, writer types.BatchSink, junctionProjector types.JunctionProjector,
	deleter types.Deleter, reg *registry.Registry, dbName string, collections []string,
) *Consumer {
	return &Consumer{
		source:      source,
		writer:      writer,
		junction:    junctionProjector,
		deleter:     deleter,
		reg:         reg,
		collections: collections,
		scope:       Scope(dbName, collections),
		sleep:       time.Sleep,
	}
}

// Scope computes the resume-token scope string for dbName and the
// given collection selection: "db:{db}:all" when every collection is
// watched, or "db:{db}:{hash8}" of the sorted, comma-joined collection
// list otherwise, so that changing the selection starts a fresh
// resume position rather than silently reusing a stale one.
func Scope(dbName string, collections []string) string {
	if len(collections) == 0 {
		return fmt.Sprintf("db:%s:all", dbName)
	}
	sorted := append([]string(nil), collections...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("db:%s:%s", dbName, hex.EncodeToString(sum[:])[:8])
}

// Run tails the change stream until ctx is cancelled. A failure to
// load the persisted resume token at start is returned as an error;
// after that, it returns only ctx.Err(), since every later source or
// sink failure is handled by reconnect/retry.
func (c *Consumer) Run(ctx context.Context) error {
	token, err := c.reg.LoadResumeToken(ctx, c.scope)
	if err != nil {
		return errors.Wrap(err, "load resume token")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cursor, err := c.source.Watch(ctx, c.collections, token)
		if err != nil {
			metrics.ReconnectAttempts.WithLabelValues("source").Inc()
			log.WithError(err).Warn("could not open change stream, clearing token and retrying")
			token = nil
			if !c.wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		token = c.consume(ctx, cursor, token)
		_ = cursor.Close(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ReconnectAttempts.WithLabelValues("source").Inc()
		if !c.wait(ctx) {
			return ctx.Err()
		}
	}
}

// consume drains cursor until it ends (source error or ctx
// cancellation), dispatching each event and returning the last token
// that should be used to resume. On a source-side decode error the
// token is dropped (forcing a fresh cursor on the next reconnect), per
// spec §7 policy 2.
func (c *Consumer) consume(ctx context.Context, cursor types.ChangeCursor, token []byte) []byte {
	for cursor.Next(ctx) {
		event, err := cursor.Decode()
		if err != nil {
			log.WithError(err).Warn("could not decode change event, reconnecting")
			return nil
		}

		if !c.processEvent(ctx, event) {
			return token // ctx cancelled mid-retry; do not advance
		}
		token = event.ResumeToken

		if err := c.reg.SaveResumeToken(ctx, c.scope, token); err != nil {
			log.WithError(err).Error("could not persist resume token")
		} else {
			metrics.ResumeTokenPersists.WithLabelValues(c.scope).Inc()
		}
	}
	if err := cursor.Err(); err != nil {
		log.WithError(err).Warn("change stream cursor error, reconnecting")
		return nil
	}
	return token
}

// processEvent dispatches a single event, retrying indefinitely on a
// sink-side failure without advancing the token (spec §7 policy 3),
// until ctx is cancelled. Returns false only when ctx was cancelled
// before the event could be applied.
func (c *Consumer) processEvent(ctx context.Context, event types.ChangeEvent) bool {
	for {
		if err := c.dispatch(ctx, event); err == nil {
			return true
		} else {
			metrics.ReconnectAttempts.WithLabelValues("sink").Inc()
			log.WithError(err).WithField("collection", event.Collection).
				Warn("sink error applying change event, retrying")
		}
		if !c.wait(ctx) {
			return false
		}
	}
}

// dispatch implements spec §4.9's dispatch table.
func (c *Consumer) dispatch(ctx context.Context, event types.ChangeEvent) error {
	switch event.OperationType {
	case types.OpInsert, types.OpReplace, types.OpUpdate:
		if event.FullDocument == nil {
			log.WithField("collection", event.Collection).Debug("dropping event with no full document")
			return nil
		}
		if err := c.writer.WriteBatch(ctx, event.Collection, []types.Document{event.FullDocument}); err != nil {
			return errors.Wrap(err, "write change event")
		}
		if err := c.junction.Project(ctx, event.Collection, event.FullDocument); err != nil {
			return errors.Wrap(err, "project junctions for change event")
		}
		metrics.DocumentsProcessed.WithLabelValues(event.Collection).Inc()
		return nil

	case types.OpDelete:
		if err := c.deleter.Delete(ctx, event.Collection, event.DeletedID); err != nil {
			return errors.Wrap(err, "delete for change event")
		}
		return nil

	default:
		log.WithField("operationType", event.OperationType).Info("unsupported change-stream operation, skipping")
		return nil
	}
}

// wait sleeps for reconnectDelay or returns false if ctx is cancelled
// first.
func (c *Consumer) wait(ctx context.Context) bool {
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	done := make(chan struct{})
	go func() {
		sleep(reconnectDelay)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	}
}

// SinkDeleter implements types.Deleter against a sink table resolved
// through the schema manager.
type SinkDeleter struct {
	db     types.SinkQuerier
	schema *schema.Manager
}

// NewSinkDeleter builds a SinkDeleter.
func NewSinkDeleter(db types.SinkQuerier, schemaMgr *schema.Manager) *SinkDeleter {
	return &SinkDeleter{db: db, schema: schemaMgr}
}

// Delete issues "DELETE FROM table WHERE _id = $1" for collection's
// sink table (spec §4.9's delete dispatch entry).
func (d *SinkDeleter) Delete(ctx context.Context, collection, id string) error {
	table, err := d.schema.TableName(ctx, collection)
	if err != nil {
		return errors.Wrapf(err, "resolve table for %q", collection)
	}
	_, err = d.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "_id" = $1`, quoteIdent(table)), id)
	return errors.Wrapf(err, "delete from %q", table)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
