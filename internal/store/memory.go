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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fieldkit-run/fieldkit/internal/state"
)

// MemoryBackend is an in-process Backend guarded by a single RWMutex.
// Suitable for single-process deployments and tests; history is lost on
// restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	runs  map[string]state.Snapshot
	steps map[string]map[string]state.StepResult // executionID -> stepID -> result
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		runs:  make(map[string]state.Snapshot),
		steps: make(map[string]map[string]state.StepResult),
	}
}

func (b *MemoryBackend) RecordStep(_ context.Context, executionID string, result state.StepResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.steps[executionID]
	if !ok {
		m = make(map[string]state.StepResult)
		b.steps[executionID] = m
	}
	m[result.StepID] = result.Clone()
	return nil
}

func (b *MemoryBackend) Finalize(_ context.Context, snapshot state.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[snapshot.ExecutionID] = cloneSnapshot(snapshot)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, executionID string) (state.Snapshot, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.runs[executionID]
	if !ok {
		return state.Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (b *MemoryBackend) List(_ context.Context, filter Filter) ([]state.Snapshot, error) {
	b.mu.RLock()
	all := make([]state.Snapshot, 0, len(b.runs))
	for _, snap := range b.runs {
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		if filter.PlaybookName != "" && snap.PlaybookName != filter.PlaybookName {
			continue
		}
		all = append(all, cloneSnapshot(snap))
	}
	b.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	limit := withDefaultLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []state.Snapshot{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (b *MemoryBackend) Delete(_ context.Context, executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, executionID)
	delete(b.steps, executionID)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func cloneSnapshot(s state.Snapshot) state.Snapshot {
	results := make([]state.StepResult, len(s.StepResults))
	for i, r := range s.StepResults {
		results[i] = r.Clone()
	}
	params := make(map[string]interface{}, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	vars := make(map[string]interface{}, len(s.Variables))
	for k, v := range s.Variables {
		vars[k] = v
	}
	meta := make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	out := s
	out.StepResults = results
	out.Parameters = params
	out.Variables = vars
	out.Metadata = meta
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
