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

// Package junction maintains the auxiliary edge tables that project
// array-of-reference fields, replacing each parent's rows in full on
// every upsert (spec §4.7).
package junction

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/typelattice"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/metrics"
)

// Projector replaces a parent document's junction rows for every
// declared array-of-reference field.
type Projector struct {
	pool       types.SinkPool
	reg        *registry.Registry
	schema     *schema.Manager
	projection types.ProjectionConfig

	mu     sync.Mutex
	ensure map[string]bool // junction table names already DDL-ensured
}

// New builds a Projector. schemaMgr supplies parent table names, and
// reg resolves the target collection's table name (creating it if the
// target has not otherwise been seen yet, per spec §4.7 step 3).
func New(pool types.SinkPool, reg *registry.Registry, schemaMgr *schema.Manager, projection types.ProjectionConfig) *Projector {
	return &Projector{
		pool:       pool,
		reg:        reg,
		schema:     schemaMgr,
		projection: projection,
		ensure:     map[string]bool{},
	}
}

// Project replaces collection's junction rows for doc across every
// field declared as a junction field of collection. A collection with
// no declared junction fields is a no-op.
func (p *Projector) Project(ctx context.Context, collection string, doc types.Document) error {
	fields, ok := p.projection.JunctionFields[collection]
	if !ok {
		return nil
	}

	parentID, err := doc.ID()
	if err != nil {
		return err
	}
	parentTable, err := p.schema.TableName(ctx, collection)
	if err != nil {
		return errors.Wrapf(err, "resolve parent table for %q", collection)
	}

	for field, targetCollection := range fields {
		targets := extractTargets(doc[field])
		if err := p.replace(ctx, collection, field, parentTable, targetCollection, parentID, targets); err != nil {
			return errors.Wrapf(err, "project junction %q.%q", collection, field)
		}
	}
	return nil
}

// extractTargets normalizes a field value per spec §4.7 steps 1-2: a
// missing/null field is an empty array, a scalar is wrapped as a
// single-element array, and any element a reference cannot be pulled
// from is dropped. Duplicate references collapse to one row, matching
// §4.7's determinism property (the junction row set is a set, not a
// multiset).
func extractTargets(value any) []string {
	var elements []any
	switch t := value.(type) {
	case nil:
		return nil
	case bson.A:
		elements = t
	case []any:
		elements = t
	default:
		elements = []any{t}
	}

	seen := map[string]bool{}
	var out []string
	for _, el := range elements {
		ref, ok := typelattice.ExtractReference(el)
		if !ok || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// replace performs the junction table's single transaction (spec
// §4.7 step 5): delete every row for parentID, then insert the
// current target set.
func (p *Projector) replace(
	ctx context.Context, collection, field, parentTable, targetCollection, parentID string, targets []string,
) error {
	targetTable, err := p.reg.GetOrCreateTable(ctx, targetCollection)
	if err != nil {
		return errors.Wrapf(err, "resolve target table for %q", targetCollection)
	}

	junctionTable := parentTable + "_" + field
	parentCol, targetCol := parentTable+"_id", targetTable+"_id"
	if err := p.ensureTable(ctx, junctionTable, parentCol, targetCol); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin junction transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE %s = $1`, quoteIdent(junctionTable), quoteIdent(parentCol),
	), parentID); err != nil {
		return errors.Wrap(err, "delete prior junction rows")
	}

	if len(targets) > 0 {
		if err := insertTargets(ctx, tx, junctionTable, parentCol, targetCol, parentID, targets); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit junction transaction")
	}
	metrics.JunctionRowsReplaced.WithLabelValues(collection).Add(float64(len(targets)))
	return nil
}

// insertTargets performs a single multi-row
// "INSERT ... ON CONFLICT DO NOTHING" over (parentID, target) pairs.
func insertTargets(ctx context.Context, tx types.SinkQuerier, junctionTable, parentCol, targetCol, parentID string, targets []string) error {
	groups := make([]string, len(targets))
	args := make([]any, 0, len(targets)*2+1)
	args = append(args, parentID)
	n := 2
	for i, target := range targets {
		groups[i] = fmt.Sprintf("($1, $%d)", n)
		args = append(args, target)
		n++
	}

	sql := fmt.Sprintf(
		`INSERT INTO %s (%s, %s) VALUES %s ON CONFLICT DO NOTHING`,
		quoteIdent(junctionTable), quoteIdent(parentCol), quoteIdent(targetCol), strings.Join(groups, ", "),
	)
	_, err := tx.Exec(ctx, sql, args...)
	return errors.Wrap(err, "insert junction rows")
}

// ensureTable issues the idempotent DDL for a junction table and its
// two per-side indexes (spec §4.7 step 4; §3's junction-table shape),
// once per process per junction table.
func (p *Projector) ensureTable(ctx context.Context, junctionTable, parentCol, targetCol string) error {
	p.mu.Lock()
	done := p.ensure[junctionTable]
	p.mu.Unlock()
	if done {
		return nil
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	%[2]s TEXT NOT NULL,
	%[3]s TEXT NOT NULL,
	PRIMARY KEY (%[2]s, %[3]s)
);
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s (%[2]s);
CREATE INDEX IF NOT EXISTS %[5]s ON %[1]s (%[3]s);
`, quoteIdent(junctionTable), quoteIdent(parentCol), quoteIdent(targetCol),
		quoteIdent(junctionTable+"_"+parentCol+"_idx"), quoteIdent(junctionTable+"_"+targetCol+"_idx"))

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrapf(err, "ensure junction table %q (%q, %q)", junctionTable, parentCol, targetCol)
	}

	p.mu.Lock()
	p.ensure[junctionTable] = true
	p.mu.Unlock()
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
