// Copyright 2025 Tom Barlow
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

// Package store implements the persistence sink: durable recording of
// run snapshots and step results, and the history queries the Execution
// Manager layers over its in-memory live-run table.
//
// The surface is deliberately narrow — what the Manager and the Engine's
// Recorder interface actually need, nothing more: no checkpoints, no
// schedules, no postgres. This system has no distributed worker pool to
// coordinate.
package store

import (
	"context"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/state"
)

// Filter narrows a List query by status and/or playbook name.
type Filter struct {
	Status       state.RunStatus
	PlaybookName string
	Limit        int
	Offset       int
}

// Backend is the full persistence surface. A backend need not persist
// StepResults and Snapshots in the same call; RecordStep and Finalize are
// invoked separately by the Engine and must be idempotent under retry —
// RecordStep by (execution_id, step_id), Finalize by
// execution_id.
type Backend interface {
	// RecordStep durably stores one step result for an execution. Called
	// after every step completes, regardless of the run's eventual outcome.
	RecordStep(ctx context.Context, executionID string, result state.StepResult) error

	// Finalize durably stores the run's terminal snapshot.
	Finalize(ctx context.Context, snapshot state.Snapshot) error

	// Get returns the most recently finalized snapshot for executionID, or
	// false if none is on record.
	Get(ctx context.Context, executionID string) (state.Snapshot, bool, error)

	// List returns finalized run snapshots matching filter, newest first.
	List(ctx context.Context, filter Filter) ([]state.Snapshot, error)

	// Delete removes a finalized run's history. Callers must only invoke
	// this for terminal runs; the Manager enforces that rule, not the
	// backend.
	Delete(ctx context.Context, executionID string) error

	// Close releases any resources the backend holds (file handles,
	// connection pools).
	Close() error
}

// Sink adapts a Backend to the engine.Recorder interface the Engine holds
// a narrow reference to, so internal/engine never imports internal/store
// directly.
type Sink struct {
	backend Backend
	metrics *Metrics
}

// NewSink wraps backend as an engine.Recorder. metrics may be nil.
func NewSink(backend Backend, metrics *Metrics) *Sink {
	return &Sink{backend: backend, metrics: metrics}
}

// RecordStep implements engine.Recorder. Errors are recorded as metrics
// and otherwise swallowed: a persistence hiccup must never abort a run in
// flight.
func (s *Sink) RecordStep(ctx context.Context, executionID string, result state.StepResult) {
	if err := s.backend.RecordStep(ctx, executionID, result); err != nil {
		s.recordError("record_step", err)
	}
}

// Finalize implements engine.Recorder.
func (s *Sink) Finalize(ctx context.Context, snapshot state.Snapshot) {
	if err := s.backend.Finalize(ctx, snapshot); err != nil {
		s.recordError("finalize", err)
	}
}

func (s *Sink) recordError(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordError(op)
	}
}

// Backend exposes the underlying Backend for Manager's history queries
// (List/Get/Delete), which are not part of engine.Recorder.
func (s *Sink) Backend() Backend { return s.backend }

// withDefaultLimit caps an unset or excessive Limit.
func withDefaultLimit(limit int) int {
	const defaultLimit = 100
	const maxLimit = 1000
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// now exists so tests can stub time without reaching for a Clock
// interface the rest of this package doesn't otherwise need.
var now = time.Now
