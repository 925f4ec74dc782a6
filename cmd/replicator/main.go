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

// Command replicator runs the schema-evolving document-to-relational
// replication engine: it backfills the configured MongoDB collections
// into Postgres-compatible sink tables, then tails the change stream,
// per spec.md §2 and §6.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/arrowdb/pgsync/internal/config"
	"github.com/arrowdb/pgsync/internal/inject"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/logsetup"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	projectionPath := pflag.String("projectionConfig", "",
		"path to a JSON file declaring fk-extract and junction fields (spec.md §3); omit for neither")
	pflag.Parse()

	if *projectionPath != "" {
		if err := loadProjection(*projectionPath, &cfg.Projection); err != nil {
			log.WithError(err).Error("could not load projection config")
			return 1
		}
	}

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Error("configuration error")
		return 1
	}

	logsetup.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, cleanup, err := inject.Build(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("could not start replication worker")
		return 1
	}
	defer cleanup()

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("shutting down")
			return 0
		}
		log.WithError(err).Error("replication worker exited with an error")
		return 1
	}
	return 0
}

// loadProjection reads a JSON document of the shape
// {"fkExtractFields": {"collection": ["field", ...]},
//  "junctionFields": {"collection": {"field": "targetCollection"}}}
// into projection.
func loadProjection(path string, projection *types.ProjectionConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkgerrors.Wrap(err, "read projection config")
	}
	var doc struct {
		FKExtractFields types.FKExtractFields `json:"fkExtractFields"`
		JunctionFields  types.JunctionFields  `json:"junctionFields"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return pkgerrors.Wrap(err, "parse projection config")
	}
	projection.FKExtractFields = doc.FKExtractFields
	projection.JunctionFields = doc.JunctionFields
	return nil
}
