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

// Package config holds the engine's external, environment-shaped
// configuration (spec §6), following the teacher's Bind/Preflight
// convention from internal/source/server/config.go.
package config

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/arrowdb/pgsync/internal/types"
)

// Config is the user-visible configuration for running the
// replication worker.
type Config struct {
	SourceURI    string
	SourceDBName string

	SinkDSN      string
	SinkHost     string
	SinkPort     int
	SinkDatabase string
	SinkUser     string
	SinkPassword string

	Collections        []string
	ExcludeCollections []string

	Backfill bool
	Watch    bool

	BatchSize   int
	CopyEnabled bool
	CopyMinRows int

	LogLevel string

	// FKExtractFields and JunctionFields are the static projection
	// maps from spec §3; they have no environment-variable form and
	// are supplied programmatically (see cmd/replicator/main.go).
	Projection types.ProjectionConfig
}

// Bind registers pflag flags whose defaults are first resolved from
// the environment, so every key in spec §6 is settable either way,
// matching the teacher's two-layer configuration idiom.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.SourceURI, "sourceURI", firstEnv("mongodb://localhost:27017", "MONGO_DETAILS", "MONGO_URI"),
		"the source (MongoDB) connection URI")
	flags.StringVar(&c.SourceDBName, "sourceDB", firstEnv("", "DB_NAME", "MONGO_DB"),
		"the source database name (required)")

	flags.StringVar(&c.SinkDSN, "sinkDSN", firstEnv("", "PG_DSN"),
		"the full sink DSN; if unset, assembled from the sink host/port/db/user/password flags")
	flags.StringVar(&c.SinkHost, "sinkHost", firstEnv("localhost", "PGHOST"), "sink host")
	flags.IntVar(&c.SinkPort, "sinkPort", firstEnvInt(5432, "PGPORT"), "sink port")
	flags.StringVar(&c.SinkDatabase, "sinkDatabase", firstEnv("", "PGDATABASE"), "sink database name")
	flags.StringVar(&c.SinkUser, "sinkUser", firstEnv(defaultOSUser(), "PGUSER"), "sink user")
	flags.StringVar(&c.SinkPassword, "sinkPassword", firstEnv("", "PGPASSWORD"), "sink password")

	flags.StringSliceVar(&c.Collections, "collections", firstEnvList(nil, "COLLECTIONS"),
		"comma-separated collections to replicate; empty means all")
	flags.StringSliceVar(&c.ExcludeCollections, "excludeCollections", firstEnvList(nil, "EXCLUDE_COLLECTIONS"),
		"comma-separated collections to omit")

	flags.BoolVar(&c.Backfill, "backfill", firstEnvBool(true, "BACKFILL"), "run a full backfill before watching")
	flags.BoolVar(&c.Watch, "watch", firstEnvBool(true, "WATCH"), "tail the change stream after backfill")

	flags.IntVar(&c.BatchSize, "batchSize", firstEnvInt(500, "BATCH_SIZE"), "documents per upsert batch")
	flags.BoolVar(&c.CopyEnabled, "copyEnabled", firstEnvBool(true, "COPY_ENABLED"), "allow the bulk-copy write path")
	flags.IntVar(&c.CopyMinRows, "copyMinRows", firstEnvInt(200, "COPY_MIN_ROWS"), "minimum batch size to use the bulk-copy path")

	flags.StringVar(&c.LogLevel, "logLevel", firstEnv("info", "LOG_LEVEL"), "logging verbosity")
}

// Preflight validates the configuration, returning an error wrapping
// types.ErrConfiguration if anything required is missing or
// inconsistent. Callers should exit(1) on a non-nil return, per spec
// §6's exit-code contract.
func (c *Config) Preflight() error {
	if c.SourceDBName == "" {
		return errors.Wrap(types.ErrConfiguration, "source database name is required (DB_NAME/MONGO_DB)")
	}
	if c.BatchSize <= 0 {
		return errors.Wrap(types.ErrConfiguration, "batch size must be positive")
	}
	if c.CopyMinRows < 1 {
		return errors.Wrap(types.ErrConfiguration, "copy min rows must be at least 1")
	}
	if c.SinkDSN == "" && c.SinkDatabase == "" {
		return errors.Wrap(types.ErrConfiguration, "sink database is required (PG_DSN or PGDATABASE)")
	}

	dsn, err := c.resolveSinkDSN()
	if err != nil {
		return errors.Wrap(types.ErrConfiguration, err.Error())
	}
	c.SinkDSN = dsn
	return nil
}

func (c *Config) resolveSinkDSN() (string, error) {
	if c.SinkDSN != "" {
		return c.SinkDSN, nil
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.SinkHost, c.SinkPort),
		Path:   "/" + c.SinkDatabase,
	}
	if c.SinkUser != "" {
		if c.SinkPassword != "" {
			u.User = url.UserPassword(c.SinkUser, c.SinkPassword)
		} else {
			u.User = url.User(c.SinkUser)
		}
	}
	return u.String(), nil
}

func defaultOSUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return def
}

func firstEnvInt(def int, keys ...string) int {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func firstEnvBool(def bool, keys ...string) bool {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return def
}

func firstEnvList(def []string, keys ...string) []string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return def
}
