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

package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit-run/fieldkit/internal/executor"
	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/state"
	"github.com/fieldkit-run/fieldkit/internal/subengine"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) Publish(event interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) updates() []state.ExecutionUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []state.ExecutionUpdate
	for _, e := range p.events {
		if u, ok := e.(state.ExecutionUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

type staticHandler struct {
	stepType string
	output   handler.Output
	err      error
	delay    time.Duration
}

func (h staticHandler) Type() string { return h.stepType }
func (h staticHandler) Execute(ctx context.Context, _ map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.output, h.err
}

func newTestEngine(def *playbook.Definition, h handler.StepHandler, pub Publisher) *Engine {
	reg := handler.NewRegistry()
	if h != nil {
		reg.Register(h)
	}
	return New(Config{
		Definition: def,
		Executor:   executor.New(reg),
		Publisher:  pub,
		Loader:     subengine.NewLoader(),
	})
}

func TestEngine_HappyPath(t *testing.T) {
	def := &playbook.Definition{
		Name: "happy",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
			{ID: "s2", Type: "test.ok"},
		},
	}
	pub := &recordingPublisher{}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{"k": "v"}}, pub)

	err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	require.Len(t, snap.StepResults, 2)
	assert.Equal(t, state.StepSuccess, snap.StepResults[0].Status)
	assert.Equal(t, state.StepSuccess, snap.StepResults[1].Status)
	assert.NotEmpty(t, pub.updates())
}

func TestEngine_AbortOnFailureStopsRun(t *testing.T) {
	def := &playbook.Definition{
		Name: "aborts",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.fails", OnFailure: playbook.OnFailureAbort, RetryCount: 0},
			{ID: "s2", Type: "test.fails"},
		},
	}
	pub := &recordingPublisher{}
	e := newTestEngine(def, staticHandler{stepType: "test.fails", err: runerr.Handler("boom", nil)}, pub)

	err := e.Run(context.Background(), nil)
	require.Error(t, err)

	snap := e.Snapshot()
	assert.Equal(t, state.RunFailed, snap.Status)
	require.Len(t, snap.StepResults, 2)
	assert.Equal(t, state.StepFailed, snap.StepResults[0].Status)
	assert.Equal(t, state.StepPending, snap.StepResults[1].Status, "second step must never have run")
}

func TestEngine_CancelMidRun(t *testing.T) {
	def := &playbook.Definition{
		Name: "cancels",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.slow", TimeoutSeconds: 5},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.slow", delay: 2 * time.Second}, &recordingPublisher{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Signal(SignalCancel)
	}()

	err := e.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, state.RunCancelled, e.Snapshot().Status)
}

func TestEngine_SkipForwardMidStep(t *testing.T) {
	def := &playbook.Definition{
		Name: "skips",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.slow", TimeoutSeconds: 5},
			{ID: "s2", Type: "test.ok"},
		},
	}
	reg := handler.NewRegistry()
	reg.Register(staticHandler{stepType: "test.slow", delay: 2 * time.Second})
	reg.Register(staticHandler{stepType: "test.ok", output: handler.Output{}})
	e := New(Config{Definition: def, Executor: executor.New(reg), Loader: subengine.NewLoader()})

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Signal(SignalSkipForward)
	}()

	err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	assert.Equal(t, state.StepSkipped, snap.StepResults[0].Status)
	assert.Equal(t, state.StepSuccess, snap.StepResults[1].Status)
}

func TestEngine_PauseThenResume(t *testing.T) {
	def := &playbook.Definition{
		Name: "pauses",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
			{ID: "s2", Type: "test.ok"},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, &recordingPublisher{})
	e.Signal(SignalPause)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, state.RunPaused, e.Snapshot().Status)

	e.Signal(SignalResume)
	err := <-done
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, e.Snapshot().Status)
}

func TestEngine_DebugModeInitialPauseThenResume(t *testing.T) {
	def := &playbook.Definition{
		Name: "debug-initial",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
		},
	}
	pub := &recordingPublisher{}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, pub)
	e.Signal(SignalDebugOn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.RunPaused
	}, time.Second, time.Millisecond, "run must pause before step 0 in debug mode")

	e.Signal(SignalResume)

	// debug mode pauses again once s1 completes, before the run finishes
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Status == state.RunPaused && snap.StepResults[0].Status == state.StepSuccess
	}, time.Second, time.Millisecond, "run must pause after s1 completes in debug mode")
	e.Signal(SignalResume)

	err := <-done
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, e.Snapshot().Status)

	var sawRunning bool
	for _, u := range pub.updates() {
		if u.Snapshot.Status == state.RunRunning {
			sawRunning = true
		}
	}
	assert.True(t, sawRunning, "run must return to running after the initial debug pause, not stay paused into step 0")
}

func TestEngine_DebugModePausesAfterEachStep(t *testing.T) {
	def := &playbook.Definition{
		Name: "debug-per-step",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
			{ID: "s2", Type: "test.ok"},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, &recordingPublisher{})
	e.Signal(SignalDebugOn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	// initial pause before s1, then resume into s1
	require.Eventually(t, func() bool { return e.Snapshot().Status == state.RunPaused }, time.Second, time.Millisecond)
	e.Signal(SignalResume)

	// pause after s1 completes, before s2
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Status == state.RunPaused && len(snap.StepResults) >= 1 && snap.StepResults[0].Status == state.StepSuccess
	}, time.Second, time.Millisecond, "run must pause again after s1 completes")
	e.Signal(SignalResume)

	// pause after s2 completes, before the run finishes
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Status == state.RunPaused && snap.StepResults[1].Status == state.StepSuccess
	}, time.Second, time.Millisecond, "run must pause again after s2 completes")
	e.Signal(SignalResume)

	err := <-done
	require.NoError(t, err)
	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	require.Len(t, snap.StepResults, 2)
	assert.Equal(t, state.StepSuccess, snap.StepResults[0].Status)
	assert.Equal(t, state.StepSuccess, snap.StepResults[1].Status)
}

func TestEngine_DebugModeCancelDuringInitialPause(t *testing.T) {
	def := &playbook.Definition{
		Name: "debug-cancel",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, &recordingPublisher{})
	e.Signal(SignalDebugOn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	require.Eventually(t, func() bool { return e.Snapshot().Status == state.RunPaused }, time.Second, time.Millisecond)
	e.Signal(SignalCancel)

	err := <-done
	require.Error(t, err)
	snap := e.Snapshot()
	assert.Equal(t, state.RunCancelled, snap.Status)
	require.Len(t, snap.StepResults, 1)
	assert.Equal(t, state.StepPending, snap.StepResults[0].Status, "cancelling during the initial debug pause must never run step 0")
}

func TestEngine_DebugModeZeroStepsCompletesImmediately(t *testing.T) {
	def := &playbook.Definition{
		Name:  "debug-empty",
		Steps: []playbook.Step{},
	}
	pub := &recordingPublisher{}
	e := newTestEngine(def, nil, pub)
	e.Signal(SignalDebugOn)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("debug_mode with zero steps must complete without waiting for a resume signal")
	}

	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	assert.Empty(t, snap.StepResults)

	var statuses []state.RunStatus
	for _, u := range pub.updates() {
		statuses = append(statuses, u.Snapshot.Status)
	}
	assert.NotContains(t, statuses, state.RunPaused, "a zero-step run has no step 0 to pause before")
	require.NotEmpty(t, statuses)
	assert.Equal(t, state.RunRunning, statuses[0])
	assert.Equal(t, state.RunCompleted, statuses[len(statuses)-1])
}

func TestEngine_SkipBackMidStepRerunsTheStep(t *testing.T) {
	entered := make(chan struct{}, 4)
	def := &playbook.Definition{
		Name: "skipback",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.slow", TimeoutSeconds: 5},
		},
	}
	reg := handler.NewRegistry()
	reg.Register(blockingOnEntryHandler{stepType: "test.slow", entered: entered})
	e := New(Config{Definition: def, Executor: executor.New(reg), Loader: subengine.NewLoader()})

	go func() {
		<-entered // first invocation
		e.Signal(SignalSkipBack)
		<-entered // skip_back reruns the same step rather than advancing
		e.Signal(SignalCancel)
	}()

	err := e.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, state.RunCancelled, e.Snapshot().Status)
}

// blockingOnEntryHandler signals entered once invoked, then blocks on
// ctx.Done() so a test can assert a mid-step interrupt deterministically.
type blockingOnEntryHandler struct {
	stepType string
	entered  chan struct{}
}

func (h blockingOnEntryHandler) Type() string { return h.stepType }
func (h blockingOnEntryHandler) Execute(ctx context.Context, _ map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	h.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_CancelWhilePausedGoesDirectlyToCancelled(t *testing.T) {
	def := &playbook.Definition{
		Name: "pause-cancel",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
			{ID: "s2", Type: "test.ok"},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, &recordingPublisher{})
	e.Signal(SignalPause)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	require.Eventually(t, func() bool { return e.Snapshot().Status == state.RunPaused }, time.Second, time.Millisecond)
	e.Signal(SignalCancel)

	err := <-done
	require.Error(t, err)
	snap := e.Snapshot()
	assert.Equal(t, state.RunCancelled, snap.Status)
	require.Len(t, snap.StepResults, 2)
	assert.Equal(t, state.StepPending, snap.StepResults[0].Status, "the loop must not resume into a step on its way to cancelled")
	assert.Equal(t, state.StepPending, snap.StepResults[1].Status)
}

func TestEngine_SkipForwardBeforeStartSkipsFirstStep(t *testing.T) {
	def := &playbook.Definition{
		Name: "pre-skip",
		Steps: []playbook.Step{
			{ID: "s1", Type: "test.ok"},
			{ID: "s2", Type: "test.ok"},
		},
	}
	e := newTestEngine(def, staticHandler{stepType: "test.ok", output: handler.Output{}}, &recordingPublisher{})
	e.Signal(SignalSkipForward)

	err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	require.Len(t, snap.StepResults, 2)
	assert.Equal(t, state.StepSkipped, snap.StepResults[0].Status)
	assert.Equal(t, state.StepSuccess, snap.StepResults[1].Status)
}

func TestEngine_DebugToggleReflectedInSnapshot(t *testing.T) {
	def := &playbook.Definition{Name: "debug-flag", Steps: []playbook.Step{}}
	e := newTestEngine(def, nil, &recordingPublisher{})
	assert.False(t, e.Snapshot().DebugMode)
	e.Signal(SignalDebugOn)
	assert.True(t, e.Snapshot().DebugMode)
	e.Signal(SignalDebugOff)
	assert.False(t, e.Snapshot().DebugMode)
}

func TestEngine_NestedVerifiedPlaybookRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/child.yaml", `name: child
metadata:
  verified: true
steps:
  - id: c1
    type: test.ok
  - id: c2
    type: test.ok
`)

	parent := &playbook.Definition{
		Name: "parent",
		Path: dir + "/parent.yaml",
		Steps: []playbook.Step{
			{ID: "s1", Type: "playbook.run", Parameters: map[string]interface{}{"playbook": "child.yaml"}},
		},
	}
	reg := handler.NewRegistry()
	reg.Register(staticHandler{stepType: "test.ok", output: handler.Output{}})
	pub := &recordingPublisher{}
	e := New(Config{Definition: parent, Executor: executor.New(reg), Publisher: pub, Loader: subengine.NewLoader()})

	err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, state.RunCompleted, snap.Status)
	require.Len(t, snap.StepResults, 1)
	assert.Equal(t, state.StepSuccess, snap.StepResults[0].Status)
	assert.Equal(t, "completed", snap.StepResults[0].Output["status"])
	assert.Equal(t, 2, snap.StepResults[0].Output["steps_executed"])
	assert.Equal(t, true, snap.StepResults[0].Output["completed"])

	// The child shares the parent's publisher but tags events with its own
	// execution id.
	var childUpdates int
	for _, u := range pub.updates() {
		if u.ExecutionID != e.ID() {
			childUpdates++
		}
	}
	assert.Greater(t, childUpdates, 0, "child engine events must stream through the shared publisher")
}

func TestEngine_NestedPlaybookRejectsUnverified(t *testing.T) {
	dir := t.TempDir()
	childPath := dir + "/child.yaml"
	writeFile(t, childPath, "name: child\nsteps:\n  - id: c1\n    type: test.ok\n")

	parent := &playbook.Definition{
		Name: "parent",
		Path: dir + "/parent.yaml",
		Steps: []playbook.Step{
			{ID: "s1", Type: "playbook.run", Parameters: map[string]interface{}{"playbook": "child.yaml"}},
		},
	}
	reg := handler.NewRegistry()
	reg.Register(staticHandler{stepType: "test.ok", output: handler.Output{}})
	e := New(Config{Definition: parent, Executor: executor.New(reg), Loader: subengine.NewLoader()})

	err := e.Run(context.Background(), nil)
	require.Error(t, err)
	snap := e.Snapshot()
	assert.Equal(t, state.RunFailed, snap.Status)
	assert.Equal(t, state.StepFailed, snap.StepResults[0].Status)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
