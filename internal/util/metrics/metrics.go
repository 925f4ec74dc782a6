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

// Package metrics centralizes the Prometheus collectors shared across
// the schema manager, bulk writer, junction projector, and
// change-stream consumer, following the teacher's per-component
// promauto pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram buckets shared by every duration
// metric in the engine, in seconds.
var LatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// CollectionLabels is the label set attached to every per-collection
// counter and histogram below.
var CollectionLabels = []string{"collection"}

var (
	// DocumentsProcessed counts documents that completed the
	// schema-evolution + write + junction pipeline.
	DocumentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_documents_processed_total",
		Help: "the number of documents that completed the write pipeline",
	}, CollectionLabels)

	// ColumnsAdded counts ALTER TABLE ADD COLUMN operations.
	ColumnsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_columns_added_total",
		Help: "the number of columns added to sink tables",
	}, CollectionLabels)

	// ColumnsPromoted counts ALTER COLUMN TYPE jsonb promotions.
	ColumnsPromoted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_columns_promoted_total",
		Help: "the number of columns promoted to jsonb",
	}, CollectionLabels)

	// BatchesCopyWritten counts batches that succeeded via the
	// bulk-copy path.
	BatchesCopyWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_batches_copy_total",
		Help: "the number of batches written via the bulk-copy path",
	}, CollectionLabels)

	// BatchesParameterizedWritten counts batches written via the
	// parameterized fallback path, whether by choice (small batch) or
	// after a copy-path failure.
	BatchesParameterizedWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_batches_parameterized_total",
		Help: "the number of batches written via the parameterized path",
	}, CollectionLabels)

	// JunctionRowsReplaced counts full-replace junction writes.
	JunctionRowsReplaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_junction_rows_replaced_total",
		Help: "the number of junction rows inserted across full-replace operations",
	}, CollectionLabels)

	// BatchWriteDuration times a full WriteBatch call.
	BatchWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicator_batch_write_duration_seconds",
		Help:    "the length of time it took to write a batch to the sink",
		Buckets: LatencyBuckets,
	}, CollectionLabels)

	// ResumeTokenPersists counts successful resume-token writes.
	ResumeTokenPersists = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_resume_token_persists_total",
		Help: "the number of times a change-stream resume token was durably persisted",
	}, []string{"scope"})

	// ReconnectAttempts counts source/sink reconnect attempts by the
	// change-stream consumer.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicator_reconnect_attempts_total",
		Help: "the number of times the change-stream consumer attempted to reconnect",
	}, []string{"side"})
)
