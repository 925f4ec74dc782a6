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

// Package registry persists the collection-to-table and field-to-column
// mappings, along with durable change-stream resume tokens, in the
// sink database itself (spec §4.4, §6).
package registry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pkgerrors "github.com/pkg/errors"

	"github.com/arrowdb/pgsync/internal/ident"
	"github.com/arrowdb/pgsync/internal/types"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint
// violation (23505).
const uniqueViolation = "23505"

// DB is the subset of a pgx pool/conn/tx the registry needs; it is
// satisfied by types.SinkQuerier.
type DB = types.SinkQuerier

const schemaDDL = `
CREATE TABLE IF NOT EXISTS collection_registry (
	collection_name TEXT PRIMARY KEY,
	pg_table_name   TEXT UNIQUE NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_registry (
	collection_name TEXT NOT NULL REFERENCES collection_registry(collection_name) ON DELETE CASCADE,
	mongo_key       TEXT NOT NULL,
	pg_column_name  TEXT NOT NULL,
	pg_type         TEXT NOT NULL,
	first_seen_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection_name, mongo_key),
	UNIQUE (collection_name, pg_column_name)
);
CREATE INDEX IF NOT EXISTS schema_registry_collection_idx ON schema_registry (collection_name);

CREATE TABLE IF NOT EXISTS resume_tokens (
	scope      TEXT PRIMARY KEY,
	token      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Registry is the durable mapping described by spec §4.4.
type Registry struct {
	db DB
}

// New wraps db as a Registry. Callers must call EnsureSchema once
// before using it against a fresh sink.
func New(db DB) *Registry {
	return &Registry{db: db}
}

// EnsureSchema creates the three registry tables if they do not
// already exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schemaDDL)
	return pkgerrors.Wrap(err, "ensure registry schema")
}

// GetOrCreateTable returns the sink table name for collection,
// allocating and persisting one on first sighting. Name allocation
// uses optimistic insert with retry (spec §4.4): a unique violation on
// collection_name means a concurrent sighting already won and we
// simply re-read it; a unique violation on pg_table_name means our
// candidate collided with someone else's table name, so we mint a new
// hashed candidate and try again.
func (r *Registry) GetOrCreateTable(ctx context.Context, collection string) (string, error) {
	base := ident.Sanitize(collection, "t")
	candidate := base

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			candidate = ident.Retry(string(base), collection, attempt)
		}

		var tableName string
		err := r.db.QueryRow(ctx,
			`INSERT INTO collection_registry (collection_name, pg_table_name) VALUES ($1, $2)
			 RETURNING pg_table_name`,
			collection, string(candidate),
		).Scan(&tableName)
		if err == nil {
			return tableName, nil
		}
		if !isUniqueViolation(err) {
			return "", pkgerrors.Wrap(err, "insert collection_registry")
		}

		existing, found, readErr := r.lookupTable(ctx, collection)
		if readErr != nil {
			return "", readErr
		}
		if found {
			return existing, nil
		}
		// The collision was on pg_table_name, not collection_name:
		// another collection already claimed this candidate. Try the
		// next hashed candidate.
	}
}

func (r *Registry) lookupTable(ctx context.Context, collection string) (string, bool, error) {
	var tableName string
	err := r.db.QueryRow(ctx,
		`SELECT pg_table_name FROM collection_registry WHERE collection_name = $1`, collection,
	).Scan(&tableName)
	switch {
	case err == nil:
		return tableName, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	default:
		return "", false, pkgerrors.Wrap(err, "select collection_registry")
	}
}

// GetOrCreateColumn returns the sink column name for (collection,
// field), allocating it with type "pending" on first sighting. The
// allocation protocol mirrors GetOrCreateTable.
func (r *Registry) GetOrCreateColumn(ctx context.Context, collection, field string) (string, error) {
	base := ident.Sanitize(field, "col")
	candidate := base

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			candidate = ident.Retry(string(base), field, attempt)
		}

		var columnName string
		err := r.db.QueryRow(ctx,
			`INSERT INTO schema_registry (collection_name, mongo_key, pg_column_name, pg_type)
			 VALUES ($1, $2, $3, $4)
			 RETURNING pg_column_name`,
			collection, field, string(candidate), types.Pending,
		).Scan(&columnName)
		if err == nil {
			return columnName, nil
		}
		if !isUniqueViolation(err) {
			return "", pkgerrors.Wrap(err, "insert schema_registry")
		}

		existing, found, readErr := r.lookupColumn(ctx, collection, field)
		if readErr != nil {
			return "", readErr
		}
		if found {
			return existing, nil
		}
		// Collision was on (collection_name, pg_column_name): some
		// other field in this collection already claimed the name.
	}
}

func (r *Registry) lookupColumn(ctx context.Context, collection, field string) (string, bool, error) {
	var columnName string
	err := r.db.QueryRow(ctx,
		`SELECT pg_column_name FROM schema_registry WHERE collection_name = $1 AND mongo_key = $2`,
		collection, field,
	).Scan(&columnName)
	switch {
	case err == nil:
		return columnName, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	default:
		return "", false, pkgerrors.Wrap(err, "select schema_registry")
	}
}

// LoadColumns returns the committed (non-pending) columns known for
// collection, keyed by source field name.
func (r *Registry) LoadColumns(ctx context.Context, collection string) (map[string]types.ColumnState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT mongo_key, pg_column_name, pg_type FROM schema_registry
		 WHERE collection_name = $1 AND pg_type <> $2`,
		collection, types.Pending,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select schema_registry")
	}
	defer rows.Close()

	out := map[string]types.ColumnState{}
	for rows.Next() {
		var field, column, sinkType string
		if err := rows.Scan(&field, &column, &sinkType); err != nil {
			return nil, pkgerrors.Wrap(err, "scan schema_registry row")
		}
		out[field] = types.ColumnState{Column: column, Type: types.SinkType(sinkType)}
	}
	return out, pkgerrors.Wrap(rows.Err(), "iterate schema_registry")
}

// UpdateColumnType commits a concrete type for (collection, field),
// moving it out of "pending" on first materialization, or recording a
// promotion to jsonb thereafter.
func (r *Registry) UpdateColumnType(ctx context.Context, collection, field string, t types.SinkType) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schema_registry SET pg_type = $1, last_seen_at = now()
		 WHERE collection_name = $2 AND mongo_key = $3`,
		string(t), collection, field,
	)
	return pkgerrors.Wrap(err, "update schema_registry")
}

// LoadResumeToken returns the last persisted resume token for scope,
// or nil if none has ever been saved.
func (r *Registry) LoadResumeToken(ctx context.Context, scope string) ([]byte, error) {
	var token []byte
	err := r.db.QueryRow(ctx, `SELECT token FROM resume_tokens WHERE scope = $1`, scope).Scan(&token)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, pkgerrors.Wrap(err, "select resume_tokens")
	}
}

// SaveResumeToken durably persists token as the last successfully
// processed position for scope.
func (r *Registry) SaveResumeToken(ctx context.Context, scope string, token []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO resume_tokens (scope, token, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (scope) DO UPDATE SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at`,
		scope, token,
	)
	return pkgerrors.Wrap(err, "upsert resume_tokens")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
