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

// Package worker sequences a single replication run: backfill the
// resolved collection set if enabled, then tail the change stream if
// enabled, per spec §2's data flow.
package worker

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Backfiller is the narrow surface worker needs from internal/backfill.
type Backfiller interface {
	Run(ctx context.Context, collections []string) error
}

// Tailer is the narrow surface worker needs from internal/changestream.
type Tailer interface {
	Run(ctx context.Context) error
}

// Worker runs one replication lifecycle: backfill, then tail, against
// a fixed collection set resolved once at construction time (so the
// change-stream consumer's resume scope, computed from the same set,
// always matches what backfill actually populated).
type Worker struct {
	backfill    Backfiller
	tail        Tailer
	collections []string

	runBackfill bool
	runWatch    bool
}

// New builds a Worker over collections, the already-resolved set of
// collections to replicate (spec §3's static collection selection,
// applied once by the caller before wiring either stage).
func New(backfill Backfiller, tail Tailer, collections []string, runBackfill, runWatch bool) *Worker {
	return &Worker{
		backfill:    backfill,
		tail:        tail,
		collections: collections,
		runBackfill: runBackfill,
		runWatch:    runWatch,
	}
}

// Run runs backfill and/or watch as configured. It returns on the
// first stage's error; callers map the returned error to an exit code
// via the spec §7 taxonomy.
func (w *Worker) Run(ctx context.Context) error {
	log.WithField("collections", w.collections).Info("replicating collections")

	if w.runBackfill {
		log.Info("starting backfill")
		if err := w.backfill.Run(ctx, w.collections); err != nil {
			return errors.Wrap(err, "backfill")
		}
		log.Info("backfill complete")
	}

	if w.runWatch {
		log.Info("starting change-stream tail")
		if err := w.tail.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "change-stream tail")
		}
	}
	return nil
}
