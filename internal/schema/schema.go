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

// Package schema keeps each sink table's column set and types in sync
// with the documents flowing through it, widening the table as new
// fields appear and promoting columns to jsonb when a value no longer
// fits (spec §4.5).
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/arrowdb/pgsync/internal/registry"
	"github.com/arrowdb/pgsync/internal/typelattice"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/metrics"
)

// state is the in-memory view of one sink table: its known columns,
// a stable column order for row layout, and the prepared upsert SQL
// built from that order. It is always a prefix of the persisted
// truth in the registry; Manager reloads it after every change.
type state struct {
	table       string
	columns     map[string]types.ColumnState // source field -> column state
	columnOrder []string                     // sorted by column name
	upsertSQL   string
}

// Manager evolves and caches per-collection table state. It is safe
// for concurrent use; distinct collections do not block each other.
type Manager struct {
	db         types.SinkQuerier
	reg        *registry.Registry
	projection types.ProjectionConfig

	mu     sync.Mutex
	tables map[string]*state
}

// New builds a Manager backed by db for DDL/DML and reg for the
// durable collection/column/type mappings.
func New(db types.SinkQuerier, reg *registry.Registry, projection types.ProjectionConfig) *Manager {
	return &Manager{
		db:         db,
		reg:        reg,
		projection: projection,
		tables:     map[string]*state{},
	}
}

// TableName returns the sink table for collection, allocating one on
// first sighting.
func (m *Manager) TableName(ctx context.Context, collection string) (string, error) {
	st, err := m.stateFor(ctx, collection)
	if err != nil {
		return "", err
	}
	return st.table, nil
}

// Evolve widens collection's table to accommodate doc: it materializes
// columns for any new top-level fields and promotes existing columns
// to jsonb when doc's value no longer fits. Junction fields (per
// m.projection) are skipped entirely; they are never columns.
func (m *Manager) Evolve(ctx context.Context, collection string, doc types.Document) error {
	st, err := m.stateFor(ctx, collection)
	if err != nil {
		return err
	}

	changed := false
	for field, value := range doc {
		if field == "_id" {
			continue
		}
		if _, isJunction := m.projection.JunctionFields.Target(collection, field); isJunction {
			continue
		}

		existing, ok := st.columns[field]
		if !ok {
			if value == nil {
				// A null fixes no type; the column is created on the
				// field's first non-null sighting.
				continue
			}
			if err := m.materializeColumn(ctx, collection, field, value, st); err != nil {
				return err
			}
			changed = true
			continue
		}
		if existing.Type == types.JSONB {
			continue
		}
		fkExtract := m.projection.FKExtractFields.Has(collection, field)
		if !typelattice.CompatibleFK(value, existing.Type, fkExtract) {
			if err := m.promoteColumn(ctx, collection, field, st); err != nil {
				return err
			}
			changed = true
		}
	}

	if changed {
		fresh, err := m.reload(ctx, collection, st.table)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.tables[collection] = fresh
		m.mu.Unlock()
	}
	return nil
}

// Columns returns the current column layout for collection, in the
// fixed order used by the bulk writer.
func (m *Manager) Columns(ctx context.Context, collection string) (map[string]types.ColumnState, []string, error) {
	st, err := m.stateFor(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	return st.columns, st.columnOrder, nil
}

// UpsertSQL returns a template for collection's current column
// layout, with a single "%s" placeholder where the caller substitutes
// the batch's comma-joined "($1, $2, ...), (...)" value-group list --
// the number of rows per batch varies, so the row groups cannot be
// baked in ahead of time. Columns bind in the fixed order [_id,
// column_order...].
func (m *Manager) UpsertSQL(ctx context.Context, collection string) (string, error) {
	st, err := m.stateFor(ctx, collection)
	if err != nil {
		return "", err
	}
	return st.upsertSQL, nil
}

func (m *Manager) stateFor(ctx context.Context, collection string) (*state, error) {
	m.mu.Lock()
	st, ok := m.tables[collection]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	table, err := m.reg.GetOrCreateTable(ctx, collection)
	if err != nil {
		return nil, errors.Wrapf(err, "get or create table for %q", collection)
	}
	if _, err := m.db.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s ("_id" TEXT PRIMARY KEY)`, quoteIdent(table),
	)); err != nil {
		return nil, errors.Wrapf(err, "create table %q", table)
	}

	fresh, err := m.reload(ctx, collection, table)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.tables[collection] = fresh
	m.mu.Unlock()
	return fresh, nil
}

// reload rebuilds state from the registry's committed (non-pending)
// columns, so the in-memory view never runs ahead of durable truth.
func (m *Manager) reload(ctx context.Context, collection, table string) (*state, error) {
	columns, err := m.reg.LoadColumns(ctx, collection)
	if err != nil {
		return nil, errors.Wrapf(err, "load columns for %q", collection)
	}

	order := make([]string, 0, len(columns))
	byColumn := make(map[string]string, len(columns)) // column name -> field
	for field, cs := range columns {
		byColumn[cs.Column] = field
	}
	for col := range byColumn {
		order = append(order, col)
	}
	sort.Strings(order)

	return &state{
		table:       table,
		columns:     columns,
		columnOrder: order,
		upsertSQL:   buildUpsertSQL(table, order),
	}, nil
}

// materializeColumn allocates a column name, infers its type from
// value, issues the ADD COLUMN DDL, and commits the concrete type to
// the registry. st is not modified; Evolve reloads the state from the
// registry once the document's fields have all been handled.
func (m *Manager) materializeColumn(ctx context.Context, collection, field string, value any, st *state) error {
	column, err := m.reg.GetOrCreateColumn(ctx, collection, field)
	if err != nil {
		return errors.Wrapf(err, "get or create column %q.%q", collection, field)
	}

	fkExtract := m.projection.FKExtractFields.Has(collection, field)
	sinkType := inferSinkType(value, fkExtract)

	if _, err := m.db.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
		quoteIdent(st.table), quoteIdent(column), string(sinkType),
	)); err != nil {
		return errors.Wrapf(err, "add column %q.%q", st.table, column)
	}
	if err := m.reg.UpdateColumnType(ctx, collection, field, sinkType); err != nil {
		return errors.Wrapf(err, "commit column type %q.%q", collection, field)
	}
	metrics.ColumnsAdded.WithLabelValues(collection).Inc()
	return nil
}

// promoteColumn widens an existing column to jsonb, the only
// direction the type lattice permits.
func (m *Manager) promoteColumn(ctx context.Context, collection, field string, st *state) error {
	cs := st.columns[field]
	if _, err := m.db.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s ALTER COLUMN %s TYPE jsonb USING to_jsonb(%s)`,
		quoteIdent(st.table), quoteIdent(cs.Column), quoteIdent(cs.Column),
	)); err != nil {
		return errors.Wrapf(err, "promote column %q.%q to jsonb", st.table, cs.Column)
	}
	if err := m.reg.UpdateColumnType(ctx, collection, field, types.JSONB); err != nil {
		return errors.Wrapf(err, "commit promotion %q.%q", collection, field)
	}
	metrics.ColumnsPromoted.WithLabelValues(collection).Inc()
	return nil
}

func inferSinkType(value any, fkExtract bool) types.SinkType {
	if fkExtract {
		if _, ok := typelattice.ExtractReference(value); ok {
			return types.Text
		}
	}
	return typelattice.Infer(typelattice.KindOf(value))
}

// buildUpsertSQL constructs the parameterized multi-row upsert shape
// used as a template by the bulk writer: one VALUES group is appended
// per row at write time. With no non-_id columns, conflicts are
// ignored rather than updated.
func buildUpsertSQL(table string, columnOrder []string) string {
	cols := append([]string{"_id"}, columnOrder...)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(table), strings.Join(quoted, ", "))

	if len(columnOrder) == 0 {
		b.WriteString("%s ON CONFLICT (\"_id\") DO NOTHING")
		return b.String()
	}

	sets := make([]string, len(columnOrder))
	for i, c := range columnOrder {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c))
	}
	fmt.Fprintf(&b, "%%s ON CONFLICT (\"_id\") DO UPDATE SET %s", strings.Join(sets, ", "))
	return b.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnOrder computes, straight from a column map and without going
// through Manager's caching, the same sorted column-name order that
// Manager's cached state uses.
func ColumnOrder(columns map[string]types.ColumnState) []string {
	order := make([]string, 0, len(columns))
	byColumn := map[string]string{}
	for field, cs := range columns {
		byColumn[cs.Column] = field
	}
	for col := range byColumn {
		order = append(order, col)
	}
	sort.Strings(order)
	return order
}
