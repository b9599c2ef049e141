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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/engine"
	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/handler/utility"
	"github.com/fieldkit-run/fieldkit/internal/state"
	"github.com/fieldkit-run/fieldkit/internal/store"
)

const simplePlaybook = `
name: greet
steps:
  - id: set-name
    type: utility.set_variable
    parameters:
      name: greeting
      value: hello
`

func writePlaybook(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "playbook.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
	return path
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register(utility.SetVariable{})

	m := New(Config{
		Registry: reg,
		Backend:  store.NewMemoryBackend(),
		Watchdog: time.Hour,
		TTL:      time.Hour,
	})
	t.Cleanup(m.Close)
	return m
}

func waitTerminal(t *testing.T, m *Manager, executionID string) state.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		eng, ok := m.Get(executionID)
		if !ok {
			t.Fatalf("execution %q not found", executionID)
		}
		snap := eng.Snapshot()
		if snap.Status.IsTerminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %q did not terminate in time", executionID)
	return state.Snapshot{}
}

func TestManager_StartRunsToCompletion(t *testing.T) {
	m := newTestManager(t)
	path := writePlaybook(t, simplePlaybook)

	id, err := m.Start(context.Background(), path, nil, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := waitTerminal(t, m, id)
	if snap.Status != state.RunCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", snap.Status, snap.Error)
	}
	if snap.Variables["greeting"] != "hello" {
		t.Errorf("expected greeting variable to be set, got %v", snap.Variables)
	}
}

func TestManager_GetUnknownExecution(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.Get("does-not-exist"); ok {
		t.Fatal("expected unknown execution to be absent")
	}
}

func TestManager_SignalUnknownExecutionErrors(t *testing.T) {
	m := newTestManager(t)
	if err := m.Signal("does-not-exist", engine.SignalPause); err == nil {
		t.Fatal("expected error signaling unknown execution")
	}
}

func TestManager_DeleteRequiresTerminal(t *testing.T) {
	m := newTestManager(t)
	path := writePlaybook(t, `
name: pauses-forever
steps:
  - id: wait
    type: utility.set_variable
    parameters:
      name: x
      value: 1
`)
	id, err := m.Start(context.Background(), path, nil, StartOptions{DebugMode: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Give the run loop a moment to reach its initial debug pause.
	time.Sleep(20 * time.Millisecond)

	if err := m.Delete(context.Background(), id); err == nil {
		t.Fatal("expected delete of a non-terminal run to be rejected")
	}

	m.Signal(id, engine.SignalCancel)
	waitTerminal(t, m, id)

	if err := m.Delete(context.Background(), id); err != nil {
		t.Fatalf("expected delete of terminal run to succeed, got %v", err)
	}
}

func TestManager_DeleteRemovesScreenshotDirectory(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(utility.SetVariable{})
	shotRoot := t.TempDir()

	m := New(Config{
		Registry:      reg,
		Backend:       store.NewMemoryBackend(),
		ScreenshotDir: shotRoot,
		Watchdog:      time.Hour,
		TTL:           time.Hour,
	})
	t.Cleanup(m.Close)

	path := writePlaybook(t, simplePlaybook)
	id, err := m.Start(context.Background(), path, nil, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, m, id)

	runDir := filepath.Join(shotRoot, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("create screenshot dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "wait-1.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write screenshot: %v", err)
	}

	if err := m.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Fatalf("expected screenshot directory %q to be removed, stat err=%v", runDir, err)
	}
}

func TestManager_ListUnionsLiveAndHistory(t *testing.T) {
	m := newTestManager(t)
	path := writePlaybook(t, simplePlaybook)

	id, err := m.Start(context.Background(), path, nil, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, m, id)

	list, err := m.List(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, snap := range list {
		if snap.ExecutionID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q in list, got %+v", id, list)
	}
}

func TestManager_ActiveSnapshotsExcludesTerminal(t *testing.T) {
	m := newTestManager(t)
	path := writePlaybook(t, simplePlaybook)

	id, err := m.Start(context.Background(), path, nil, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, m, id)

	for _, snap := range m.ActiveSnapshots() {
		if snap.ExecutionID == id {
			t.Fatalf("expected terminal run %q to be excluded from active snapshots", id)
		}
	}
}
