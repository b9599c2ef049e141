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

// Package state defines ExecutionState and its constituents, shared by
// the Step Executor, the Engine, the Execution Manager, and the
// Persistence Sink without creating an import cycle between any of them.
package state

import (
	"errors"
	"time"
)

// ErrSkipForward is the cancellation cause the Engine attaches to a
// step's context when skip_forward is asserted while that step is
// in-flight. The Step Executor checks context.Cause for this sentinel to
// record the step as skipped rather than failed/cancelled, and to avoid
// aborting the run.
var ErrSkipForward = errors.New("step skipped: skip_forward asserted mid-step")

// ErrSkipBack is the analogous sentinel for skip_back asserted mid-step:
// the in-flight step is recorded as skipped and the Engine moves the
// cursor back one position rather than advancing it.
var ErrSkipBack = errors.New("step skipped: skip_back asserted mid-step")

// RunStatus is the Run State Machine's status value.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is a single step result's status value.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult is one entry of ExecutionState.StepResults, parallel to
// Playbook.Steps by StepID.
type StepResult struct {
	StepID         string
	Status         StepStatus
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Attempts       int
	Output         map[string]interface{}
	ScreenshotPath string
}

// Clone returns a deep copy safe to hand to external readers without
// aliasing the engine's internal state.
func (r StepResult) Clone() StepResult {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Output != nil {
		c.Output = make(map[string]interface{}, len(r.Output))
		for k, v := range r.Output {
			c.Output[k] = v
		}
	}
	return c
}

// ExecutionState is the mutable per-run record. Engine is the sole
// mutator; everything else reads a Snapshot.
type ExecutionState struct {
	ExecutionID    string
	PlaybookName   string
	PlaybookPath   string
	Status         RunStatus
	CurrentStep    int
	TotalSteps     int
	StepResults    []StepResult
	Parameters     map[string]interface{}
	Variables      map[string]interface{}
	DebugMode      bool
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Metadata       map[string]interface{}
}

// Snapshot is an immutable, alias-free copy of ExecutionState suitable for
// broadcasting or returning from a Manager query.
type Snapshot struct {
	ExecutionID  string
	PlaybookName string
	PlaybookPath string
	Status       RunStatus
	CurrentStep  int
	TotalSteps   int
	StepResults  []StepResult
	Parameters   map[string]interface{}
	Variables    map[string]interface{}
	DebugMode    bool
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Metadata     map[string]interface{}
}

// Snapshot deep-copies the state for external consumption. Callers must
// hold the run's lock while calling this (the Engine does).
func (s *ExecutionState) Snapshot() Snapshot {
	results := make([]StepResult, len(s.StepResults))
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
	var completedAt *time.Time
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		completedAt = &t
	}
	return Snapshot{
		ExecutionID:  s.ExecutionID,
		PlaybookName: s.PlaybookName,
		PlaybookPath: s.PlaybookPath,
		Status:       s.Status,
		CurrentStep:  s.CurrentStep,
		TotalSteps:   s.TotalSteps,
		StepResults:  results,
		Parameters:   params,
		Variables:    vars,
		DebugMode:    s.DebugMode,
		Error:        s.Error,
		StartedAt:    s.StartedAt,
		CompletedAt:  completedAt,
		Metadata:     meta,
	}
}

// NestingDepth reads execution_metadata.nesting_depth, defaulting to 0 for
// a top-level run.
func (s *ExecutionState) NestingDepth() int {
	if v, ok := s.Metadata["nesting_depth"].(int); ok {
		return v
	}
	return 0
}

// ParentChain reads execution_metadata.parent_chain, the list of playbook
// paths leading to this run, used for cycle detection.
func (s *ExecutionState) ParentChain() []string {
	if v, ok := s.Metadata["parent_chain"].([]string); ok {
		return v
	}
	return nil
}
