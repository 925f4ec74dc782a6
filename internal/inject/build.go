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

package inject

import (
	"context"

	"github.com/arrowdb/pgsync/internal/config"
	"github.com/arrowdb/pgsync/internal/worker"
)

// Build wires every collaborator the Set in inject.go describes into a
// single *worker.Worker, in the same dependency order and
// cleanup-chaining style a Wire-generated wire_gen.go would produce.
// On success the returned cleanup function releases both connections;
// on failure Build releases whatever it had already opened and returns
// a nil cleanup.
func Build(ctx context.Context, cfg *config.Config) (*worker.Worker, func(), error) {
	sinkPool, cleanupSink, err := ProvideSinkPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	sourceClient, cleanupSource, err := ProvideSourceClient(ctx, cfg)
	if err != nil {
		cleanupSink()
		return nil, nil, err
	}
	cleanup := func() {
		cleanupSource()
		cleanupSink()
	}

	reg, err := ProvideRegistry(ctx, sinkPool)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	schemaMgr := ProvideSchemaManager(sinkPool, reg, cfg)
	writer := ProvideBulkWriter(sinkPool, schemaMgr, cfg)
	junctionProj := ProvideJunctionProjector(sinkPool, reg, schemaMgr, cfg)
	deleter := ProvideDeleter(sinkPool, schemaMgr)
	source := ProvideSource(sourceClient, cfg)

	collections, err := ProvideCollections(ctx, source, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	backfillDriver := ProvideBackfillDriver(source, writer, junctionProj, cfg)
	consumer := ProvideChangeStreamConsumer(source, writer, junctionProj, deleter, reg, cfg, collections)

	w := worker.New(backfillDriver, consumer, collections, cfg.Backfill, cfg.Watch)
	return w, cleanup, nil
}
