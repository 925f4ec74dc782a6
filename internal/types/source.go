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

package types

import "context"

// Source is the narrow seam the backfill driver and change-stream
// consumer need from the source deployment: document scans, a
// resumable change stream, and collection enumeration. It is the only
// contract those two components hold against the source; everything
// else (connection construction, auth, TLS) is an external
// collaborator's concern.
type Source interface {
	// ListCollections returns every collection name in the configured
	// source database.
	ListCollections(ctx context.Context) ([]string, error)

	// ScanCollection opens a cursor over every document currently in
	// collection, in the source's natural storage order.
	ScanCollection(ctx context.Context, collection string) (DocumentCursor, error)

	// Watch opens a resumable change stream over collections (all
	// collections in the database if empty), resuming from token if
	// non-nil.
	Watch(ctx context.Context, collections []string, token []byte) (ChangeCursor, error)
}

// DocumentCursor iterates the documents of a single collection scan.
type DocumentCursor interface {
	Next(ctx context.Context) bool
	Decode() (Document, error)
	Err() error
	Close(ctx context.Context) error
}

// ChangeCursor iterates a source change stream. Each successfully
// decoded event carries the resume token to persist once that event
// has been fully applied.
type ChangeCursor interface {
	Next(ctx context.Context) bool
	Decode() (ChangeEvent, error)
	Err() error
	Close(ctx context.Context) error
}

// ChangeEvent is one dispatch-table entry's worth of information from
// a change-stream document (spec §4.9): the operation, the collection
// it occurred on, the full post-image document (insert/replace/
// update), the deleted document's id (delete), and the opaque resume
// token for this event.
type ChangeEvent struct {
	OperationType string
	Collection    string
	FullDocument  Document // nil if absent or not applicable
	DeletedID     string   // set only for delete
	ResumeToken   []byte
}

// The operation types the dispatch table in spec §4.9 distinguishes.
const (
	OpInsert  = "insert"
	OpReplace = "replace"
	OpUpdate  = "update"
	OpDelete  = "delete"
)
