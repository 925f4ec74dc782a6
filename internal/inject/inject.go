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

// Package inject wires the engine's collaborators together: sink pool,
// source client, registry, schema manager, bulk writer, junction
// projector, backfill driver, and change-stream consumer, composed
// into a single *worker.Worker. The Provide* functions here are the
// Wire injector set; Build (in build.go) is the hand-composed
// equivalent of what `wire` would generate from them, since the
// toolchain cannot be invoked in this environment to run it.
package inject

import (
	"context"

	"github.com/google/wire"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/arrowdb/pgsync/internal/backfill"
	"github.com/arrowdb/pgsync/internal/bulkwriter"
	"github.com/arrowdb/pgsync/internal/changestream"
	"github.com/arrowdb/pgsync/internal/config"
	"github.com/arrowdb/pgsync/internal/junction"
	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/source/mongosrc"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/stdpool"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideSinkPool,
	ProvideSourceClient,
	ProvideSource,
	ProvideRegistry,
	ProvideSchemaManager,
	ProvideBulkWriter,
	ProvideJunctionProjector,
	ProvideDeleter,
	ProvideCollections,
	ProvideBackfillDriver,
	ProvideChangeStreamConsumer,
)

// ProvideSinkPool opens the sink connection pool from cfg.SinkDSN.
func ProvideSinkPool(ctx context.Context, cfg *config.Config) (*stdpool.Pool, func(), error) {
	return stdpool.OpenSink(ctx, cfg.SinkDSN)
}

// ProvideSourceClient connects to the source MongoDB deployment.
func ProvideSourceClient(ctx context.Context, cfg *config.Config) (*mongo.Client, func(), error) {
	return stdpool.OpenSourceAsMongo(ctx, cfg.SourceURI)
}

// ProvideSource adapts client into the narrow types.Source seam.
func ProvideSource(client *mongo.Client, cfg *config.Config) types.Source {
	return mongosrc.New(client, cfg.SourceDBName)
}

// ProvideRegistry builds the durable collection/column/resume-token
// registry and ensures its schema exists.
func ProvideRegistry(ctx context.Context, pool *stdpool.Pool) (*registry.Registry, error) {
	reg := registry.New(pool)
	if err := reg.EnsureSchema(ctx); err != nil {
		return nil, errors.Wrap(err, "ensure registry schema")
	}
	return reg, nil
}

// ProvideSchemaManager builds the schema evolution manager.
func ProvideSchemaManager(pool *stdpool.Pool, reg *registry.Registry, cfg *config.Config) *schema.Manager {
	return schema.New(pool, reg, cfg.Projection)
}

// ProvideBulkWriter builds the bulk writer (C6).
func ProvideBulkWriter(pool *stdpool.Pool, schemaMgr *schema.Manager, cfg *config.Config) types.BatchSink {
	return bulkwriter.New(pool, schemaMgr, cfg.Projection, cfg.CopyEnabled, cfg.CopyMinRows)
}

// ProvideJunctionProjector builds the junction projector (C7).
func ProvideJunctionProjector(
	pool *stdpool.Pool, reg *registry.Registry, schemaMgr *schema.Manager, cfg *config.Config,
) types.JunctionProjector {
	return junction.New(pool, reg, schemaMgr, cfg.Projection)
}

// ProvideDeleter builds the delete-dispatch collaborator the
// change-stream consumer uses for "delete" events.
func ProvideDeleter(pool *stdpool.Pool, schemaMgr *schema.Manager) types.Deleter {
	return changestream.NewSinkDeleter(pool, schemaMgr)
}

// ProvideCollections resolves the fixed collection set to replicate:
// cfg.Collections verbatim if given, otherwise every source
// collection minus cfg.ExcludeCollections (spec §3). This is resolved
// once and shared by both the backfill driver and the change-stream
// consumer's resume scope, so they always agree on what "all
// collections" means for this run.
func ProvideCollections(ctx context.Context, source types.Source, cfg *config.Config) ([]string, error) {
	if len(cfg.Collections) > 0 {
		return cfg.Collections, nil
	}
	all, err := source.ListCollections(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list source collections")
	}
	excluded := make(map[string]bool, len(cfg.ExcludeCollections))
	for _, name := range cfg.ExcludeCollections {
		excluded[name] = true
	}
	out := make([]string, 0, len(all))
	for _, name := range all {
		if !excluded[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// ProvideBackfillDriver builds the backfill driver (C8).
func ProvideBackfillDriver(
	source types.Source, writer types.BatchSink, junctionProj types.JunctionProjector, cfg *config.Config,
) *backfill.Driver {
	return backfill.New(source, writer, junctionProj, cfg.BatchSize)
}

// ProvideChangeStreamConsumer builds the change-stream consumer (C9).
func ProvideChangeStreamConsumer(
	source types.Source, writer types.BatchSink, junctionProj types.JunctionProjector,
	deleter types.Deleter, reg *registry.Registry, cfg *config.Config, collections []string,
) *changestream.Consumer {
	return changestream.New(source, writer, junctionProj, deleter, reg, cfg.SourceDBName, collections)
}
