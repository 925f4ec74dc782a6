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

// Package mongosrc is the thin collaborator that turns a *mongo.Client
// into the narrow types.Source surface the core relies on: collection
// enumeration, full-collection scans, and a resumable change stream.
// Everything BSON-shaped stops here -- callers only ever see
// internal/types.Document and internal/types.ChangeEvent.
package mongosrc

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/arrowdb/pgsync/internal/types"
)

// Source wraps a *mongo.Client scoped to a single source database.
type Source struct {
	db *mongo.Database
}

// New builds a Source over dbName in client.
func New(client *mongo.Client, dbName string) *Source {
	return &Source{db: client.Database(dbName)}
}

// ListCollections returns every collection name in the database.
func (s *Source) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrap(err, "list source collections")
	}
	return names, nil
}

// ScanCollection opens a natural-order cursor over every document in
// collection.
func (s *Source) ScanCollection(ctx context.Context, collection string) (types.DocumentCursor, error) {
	cur, err := s.db.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrapf(err, "scan collection %q", collection)
	}
	return &documentCursor{cur: cur}, nil
}

// Watch opens a resumable change stream over collections (the whole
// database if empty), with "update lookup" so update events carry the
// full post-image document, resuming from token if given.
func (s *Source) Watch(ctx context.Context, collections []string, token []byte) (types.ChangeCursor, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(token) > 0 {
		opts = opts.SetResumeAfter(bson.Raw(token))
	}

	pipeline := bson.A{}
	if len(collections) > 0 {
		names := make(bson.A, len(collections))
		for i, c := range collections {
			names[i] = c
		}
		pipeline = bson.A{bson.D{{Key: "$match", Value: bson.D{
			{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: names}}},
		}}}}
	}

	stream, err := s.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open change stream")
	}
	return &changeCursor{stream: stream}, nil
}

type documentCursor struct {
	cur *mongo.Cursor
}

func (d *documentCursor) Next(ctx context.Context) bool { return d.cur.Next(ctx) }
func (d *documentCursor) Err() error                     { return d.cur.Err() }
func (d *documentCursor) Close(ctx context.Context) error { return d.cur.Close(ctx) }

func (d *documentCursor) Decode() (types.Document, error) {
	var raw bson.M
	if err := d.cur.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode source document")
	}
	return types.Document(raw), nil
}

type changeCursor struct {
	stream *mongo.ChangeStream
}

func (c *changeCursor) Next(ctx context.Context) bool { return c.stream.Next(ctx) }
func (c *changeCursor) Err() error                     { return c.stream.Err() }
func (c *changeCursor) Close(ctx context.Context) error { return c.stream.Close(ctx) }

// rawChangeEvent mirrors just the fields of a Mongo change-stream
// document the dispatch table (spec §4.9) needs.
type rawChangeEvent struct {
	OperationType string `bson:"operationType"`
	Namespace     struct {
		Collection string `bson:"coll"`
	} `bson:"ns"`
	FullDocument bson.M `bson:"fullDocument"`
	DocumentKey  struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
}

func (c *changeCursor) Decode() (types.ChangeEvent, error) {
	var raw rawChangeEvent
	if err := c.stream.Decode(&raw); err != nil {
		return types.ChangeEvent{}, errors.Wrap(err, "decode change event")
	}

	event := types.ChangeEvent{
		OperationType: raw.OperationType,
		Collection:    raw.Namespace.Collection,
		ResumeToken:   []byte(c.stream.ResumeToken()),
	}
	if raw.FullDocument != nil {
		event.FullDocument = types.Document(raw.FullDocument)
	}
	if raw.DocumentKey.ID != nil {
		event.DeletedID = types.StringifyID(raw.DocumentKey.ID)
	}
	return event, nil
}
