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

// Package bulkwriter upserts document batches into their sink tables,
// preferring a staging-table bulk-copy path and falling back to a
// parameterized multi-row upsert when the copy path cannot proceed
// (spec §4.6).
package bulkwriter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/arrowdb/pgsync/internal/codec"
	"github.com/arrowdb/pgsync/internal/schema"
	"github.com/arrowdb/pgsync/internal/types"
	"github.com/arrowdb/pgsync/internal/util/metrics"
)

// Writer is the C6 bulk writer: it evolves the sink schema for a
// batch via the schema manager, then upserts the batch through
// whichever write path applies.
type Writer struct {
	pool       types.SinkPool
	schema     *schema.Manager
	projection types.ProjectionConfig

	copyEnabled bool
	copyMinRows int
}

// New builds a Writer. copyEnabled disables the bulk-copy path
// entirely when false (e.g. against a sink that doesn't support it);
// copyMinRows is the batch-size threshold below which the
// parameterized path is used even when copy is enabled.
func New(pool types.SinkPool, schemaMgr *schema.Manager, projection types.ProjectionConfig, copyEnabled bool, copyMinRows int) *Writer {
	return &Writer{
		pool:        pool,
		schema:      schemaMgr,
		projection:  projection,
		copyEnabled: copyEnabled,
		copyMinRows: copyMinRows,
	}
}

// WriteBatch evolves collection's table to fit docs, then upserts
// them. Rows are applied in arrival order, so the sink's ON CONFLICT
// semantics make intra-batch duplicates last-writer-wins.
func (w *Writer) WriteBatch(ctx context.Context, collection string, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}

	for _, doc := range docs {
		if err := w.schema.Evolve(ctx, collection, doc); err != nil {
			return errors.Wrapf(err, "evolve schema for %q", collection)
		}
	}

	start := time.Now()
	var err error
	if w.copyEnabled && len(docs) >= w.copyMinRows {
		if err = w.writeCopy(ctx, collection, docs); err != nil {
			log.WithError(err).WithField("collection", collection).
				Warn("copy path failed, retrying batch through parameterized path")
			err = w.writeParameterized(ctx, collection, docs)
		}
	} else {
		err = w.writeParameterized(ctx, collection, docs)
	}
	metrics.BatchWriteDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	return err
}

// writeCopy implements spec §4.6's copy path: a temp staging table
// loaded through the textual COPY protocol, then a single
// INSERT ... SELECT ... ON CONFLICT from staging into the target. The
// staging table is backend-local (ON COMMIT DROP), so its DDL, the
// COPY that loads it, and the publish statement all run against one
// connection leased for the whole operation -- never the pool at
// large, which could hand the COPY a different backend than the one
// that created the table. Any failure rolls the whole transaction
// back; the batch is not committed partially.
func (w *Writer) writeCopy(ctx context.Context, collection string, docs []types.Document) error {
	table, err := w.schema.TableName(ctx, collection)
	if err != nil {
		return err
	}
	columns, order, err := w.schema.Columns(ctx, collection)
	if err != nil {
		return err
	}

	body, err := buildCopyBody(docs, columns, order, collection, w.projection)
	if err != nil {
		return err
	}

	conn, release, err := w.pool.AcquireConn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection for copy")
	}
	defer release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin copy transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	const stagingTable = `"s"`
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, stagingTable)); err != nil {
		return errors.Wrap(err, "drop prior staging table")
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE %s) ON COMMIT DROP`, stagingTable, quoteIdent(table),
	)); err != nil {
		return errors.Wrap(err, "create staging table")
	}

	allColumns := append([]string{`"_id"`}, quotedColumns(order)...)
	copySQL := fmt.Sprintf(
		`COPY %s (%s) FROM STDIN WITH (FORMAT text, DELIMITER E'\t', NULL '\N')`,
		stagingTable, strings.Join(allColumns, ", "),
	)
	if _, err := conn.CopyFromReader(ctx, strings.NewReader(body), copySQL); err != nil {
		return errors.Wrap(err, "copy into staging table")
	}

	insertSQL := buildInsertFromStagingSQL(table, stagingTable, order)
	if _, err := tx.Exec(ctx, insertSQL); err != nil {
		return errors.Wrap(err, "insert from staging table")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit copy transaction")
	}

	metrics.BatchesCopyWritten.WithLabelValues(collection).Inc()
	return nil
}

// buildInsertFromStagingSQL builds the "INSERT INTO target SELECT *
// FROM staging ON CONFLICT (_id) DO UPDATE ..." statement that
// publishes a loaded staging table into its target (spec §4.6 step
// 4). With no non-_id columns, conflicts are ignored rather than
// updated, mirroring schema.buildUpsertSQL's empty-column case.
func buildInsertFromStagingSQL(table, stagingTable string, order []string) string {
	cols := append([]string{`"_id"`}, quotedColumns(order)...)
	colList := strings.Join(cols, ", ")

	if len(order) == 0 {
		return fmt.Sprintf(
			`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT ("_id") DO NOTHING`,
			quoteIdent(table), colList, colList, stagingTable,
		)
	}

	sets := make([]string, len(order))
	for i, c := range order {
		q := quoteIdent(c)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT ("_id") DO UPDATE SET %s`,
		quoteIdent(table), colList, colList, stagingTable, strings.Join(sets, ", "),
	)
}

// buildCopyBody renders docs as the textual COPY body: one line per
// document, fields in [_id, column_order...], tab-separated, escaped
// per spec §4.3.
func buildCopyBody(
	docs []types.Document, columns map[string]types.ColumnState, order []string,
	collection string, projection types.ProjectionConfig,
) (string, error) {
	var b strings.Builder
	for _, doc := range docs {
		id, err := doc.ID()
		if err != nil {
			return "", err
		}
		fields := make([]string, 0, len(order)+1)
		fields = append(fields, escapeCopyID(id))

		for _, col := range order {
			field := fieldForColumn(columns, col)
			cs := columns[field]
			fkExtract := projection.FKExtractFields.Has(collection, field)
			text, err := codec.EncodeCopyField(doc[field], cs.Type, fkExtract)
			if err != nil {
				return "", err
			}
			fields = append(fields, text)
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func escapeCopyID(id string) string {
	text, _ := codec.EncodeCopyField(id, types.Text, false)
	return text
}

func fieldForColumn(columns map[string]types.ColumnState, column string) string {
	for field, cs := range columns {
		if cs.Column == column {
			return field
		}
	}
	return ""
}

// writeParameterized is the authoritative fallback: a single
// multi-row INSERT ... ON CONFLICT using driver-adapted parameter
// values from the value codec.
func (w *Writer) writeParameterized(ctx context.Context, collection string, docs []types.Document) error {
	columns, order, err := w.schema.Columns(ctx, collection)
	if err != nil {
		return err
	}
	upsertTemplate, err := w.schema.UpsertSQL(ctx, collection)
	if err != nil {
		return err
	}

	var groups []string
	var args []any
	n := 1
	for _, doc := range docs {
		id, err := doc.ID()
		if err != nil {
			return err
		}
		placeholders := make([]string, 0, len(order)+1)
		placeholders = append(placeholders, "$"+strconv.Itoa(n))
		args = append(args, id)
		n++

		for _, col := range order {
			field := fieldForColumn(columns, col)
			cs := columns[field]
			fkExtract := w.projection.FKExtractFields.Has(collection, field)
			value, err := codec.EncodeScalar(doc[field], cs.Type, fkExtract)
			if err != nil {
				return errors.Wrapf(err, "encode %q.%q", collection, field)
			}
			placeholders = append(placeholders, "$"+strconv.Itoa(n))
			args = append(args, value)
			n++
		}
		groups = append(groups, "("+strings.Join(placeholders, ", ")+")")
	}

	sql := fmt.Sprintf(upsertTemplate, strings.Join(groups, ", "))
	if _, err := w.pool.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "parameterized upsert into %q", collection)
	}
	metrics.BatchesParameterizedWritten.WithLabelValues(collection).Inc()
	return nil
}

func quotedColumns(order []string) []string {
	out := make([]string, len(order))
	for i, c := range order {
		out[i] = quoteIdent(c)
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
