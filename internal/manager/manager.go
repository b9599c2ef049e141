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

// Package manager implements the Execution Manager: the registry of
// live runs, their TTL-based cleanup, and the per-run watchdog. A single
// manager-wide mutex guards the live-run map, a background reaper
// goroutine sweeps it on an interval, and each run gets its own context
// and cancel func, since this system has no distributed backend to
// shard runs across.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit-run/fieldkit/internal/engine"
	"github.com/fieldkit-run/fieldkit/internal/executor"
	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/handler/gateway"
	"github.com/fieldkit-run/fieldkit/internal/state"
	"github.com/fieldkit-run/fieldkit/internal/store"
	"github.com/fieldkit-run/fieldkit/internal/subengine"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
)

// DefaultTTL is how long a terminal run stays in the live registry before
// the reaper drops it (history remains queryable via the persistence
// sink).
const DefaultTTL = 60 * time.Minute

// DefaultWatchdog is how long a run may remain non-terminal before it is
// force-cancelled.
const DefaultWatchdog = 1 * time.Hour

// reapInterval is how often the TTL reaper sweeps the live registry.
const reapInterval = 1 * time.Minute

// Publisher is the narrow slice of the Broadcaster a Manager
// publishes run-lifecycle events through.
type Publisher interface {
	Publish(event interface{})
}

// Config wires one Manager instance.
type Config struct {
	Registry    *handler.Registry
	Backend     store.Backend
	Metrics     *store.Metrics
	Publisher   Publisher
	Credentials engine.CredentialSource
	Masker      executor.Masker
	Logger      *slog.Logger

	// RunMetrics reports run/step lifecycle events to the process-wide
	// Prometheus collector. A nil RunMetrics runs unmetered.
	RunMetrics engine.Metrics

	BrowserDriver  engine.BrowserDriverFactory
	GatewaySession engine.GatewaySessionFactory

	// PlaybookBaseDir is the directory Start resolves a relative
	// playbookPath against. Nested playbook.run lookups are unaffected —
	// those resolve against the running parent playbook's own directory,
	// inside the Engine.
	PlaybookBaseDir string

	// ScreenshotDir is the root under which browser drivers store
	// captured frames, one subdirectory per execution id. Delete removes
	// a run's subdirectory along with its persisted rows. Empty disables
	// file cleanup.
	ScreenshotDir string

	TTL      time.Duration
	Watchdog time.Duration
}

// StartOptions customizes a single Start call.
type StartOptions struct {
	// DebugMode starts the run already paused at step 0, the same state a
	// debug_on signal would put it in, applied before the run loop begins.
	DebugMode bool
}

type liveRun struct {
	engine    *engine.Engine
	done      chan struct{}
	timedOut  atomic.Bool
	watchdog  *time.Timer
	startedAt time.Time
}

// Manager is the Execution Manager.
type Manager struct {
	mu   sync.Mutex
	live map[string]*liveRun

	registry    *handler.Registry
	sink        *store.Sink
	backend     store.Backend
	pub         Publisher
	credentials engine.CredentialSource
	masker      executor.Masker
	loader      *subengine.Loader
	logger      *slog.Logger
	runMetrics  engine.Metrics

	browserDriver  engine.BrowserDriverFactory
	gatewaySession engine.GatewaySessionFactory
	baseDir        string
	screenshotDir  string

	ttl      time.Duration
	watchdog time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager and starts its TTL reaper.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	watchdog := cfg.Watchdog
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	m := &Manager{
		live:           make(map[string]*liveRun),
		registry:       cfg.Registry,
		sink:           store.NewSink(cfg.Backend, cfg.Metrics),
		backend:        cfg.Backend,
		pub:            cfg.Publisher,
		credentials:    cfg.Credentials,
		masker:         cfg.Masker,
		loader:         subengine.NewLoader(),
		logger:         logger,
		runMetrics:     cfg.RunMetrics,
		browserDriver:  cfg.BrowserDriver,
		gatewaySession: cfg.GatewaySession,
		baseDir:        cfg.PlaybookBaseDir,
		screenshotDir:  cfg.ScreenshotDir,
		ttl:            ttl,
		watchdog:       watchdog,
		stopCh:         make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Start loads playbookPath, creates an Engine for it, and drives it on its
// own goroutine, returning the assigned execution id immediately; the run
// itself proceeds in the background.
func (m *Manager) Start(ctx context.Context, playbookPath string, params map[string]interface{}, opts StartOptions) (string, error) {
	resolvedPath := playbookPath
	if m.baseDir != "" && !filepath.IsAbs(playbookPath) {
		resolvedPath = filepath.Join(m.baseDir, playbookPath)
	}
	def, err := playbook.Load(resolvedPath)
	if err != nil {
		return "", runerr.Validation(fmt.Sprintf("load playbook: %v", err))
	}

	executionID := uuid.New().String()

	gatewaySession := m.gatewaySession
	if gatewaySession == nil {
		baseURL, _ := params["base_url"].(string)
		gatewaySession = func(ctx context.Context) (interface{}, error) {
			return gateway.NewGatewaySession(baseURL)
		}
	}

	eng := engine.New(engine.Config{
		Definition:     def,
		Parameters:     params,
		Executor:       executor.New(m.registry).WithMasker(m.masker),
		Publisher:      m.pub,
		Credentials:    m.credentials,
		Loader:         m.loader,
		Recorder:       m.sink,
		Metrics:        m.runMetrics,
		Logger:         m.logger,
		BrowserDriver:  m.browserDriver,
		GatewaySession: gatewaySession,
		ExecutionID:    executionID,
	})

	if opts.DebugMode {
		eng.Signal(engine.SignalDebugOn)
	}

	run := &liveRun{engine: eng, done: make(chan struct{}), startedAt: time.Now()}
	run.watchdog = time.AfterFunc(m.watchdog, func() { m.fireWatchdog(executionID) })

	m.mu.Lock()
	m.live[executionID] = run
	m.mu.Unlock()

	go func() {
		defer close(run.done)
		defer run.watchdog.Stop()
		if err := eng.Run(context.Background(), params); err != nil {
			m.logger.Warn("playbook run ended with error", "execution_id", executionID, "error", err)
		}
	}()

	return executionID, nil
}

// SetPublisher wires the Broadcaster after construction, breaking the
// construction cycle between Manager (which Engine.Config.Publisher
// needs) and Broadcaster (which needs a Manager as its ActiveRunLister).
// Must be called before the first Start; it is not safe to call
// concurrently with Start.
func (m *Manager) SetPublisher(pub Publisher) {
	m.pub = pub
}

// Get returns the live Engine for executionID, if it is still tracked,
// an O(1) lookup against the in-memory live-run table.
func (m *Manager) Get(executionID string) (*engine.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.live[executionID]
	if !ok {
		return nil, false
	}
	return run.engine, true
}

// List unions live engines' snapshots with persisted history, de-duplicated
// by execution_id with live taking precedence.
func (m *Manager) List(ctx context.Context, filter store.Filter) ([]state.Snapshot, error) {
	m.mu.Lock()
	liveSnapshots := make(map[string]state.Snapshot, len(m.live))
	for id, run := range m.live {
		liveSnapshots[id] = m.overrideTimeout(run)
	}
	m.mu.Unlock()

	persisted, err := m.backend.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]state.Snapshot, len(persisted)+len(liveSnapshots))
	for _, snap := range persisted {
		merged[snap.ExecutionID] = snap
	}
	for id, snap := range liveSnapshots {
		if filter.Status != "" && snap.Status != filter.Status {
			delete(merged, id)
			continue
		}
		if filter.PlaybookName != "" && snap.PlaybookName != filter.PlaybookName {
			delete(merged, id)
			continue
		}
		merged[id] = snap
	}

	out := make([]state.Snapshot, 0, len(merged))
	for _, snap := range merged {
		out = append(out, snap)
	}
	return out, nil
}

// Signal delivers a control signal to a live run. Signaling an unknown or
// already-reaped execution id is a no-op error, not a panic.
func (m *Manager) Signal(executionID string, kind engine.SignalKind) error {
	m.mu.Lock()
	run, ok := m.live[executionID]
	m.mu.Unlock()
	if !ok {
		return runerr.Reference(fmt.Sprintf("execution %q not found", executionID))
	}
	run.engine.Signal(kind)
	return nil
}

// Delete removes a run's persisted history and any screenshot files it
// owns. It is only permitted once the run is terminal.
func (m *Manager) Delete(ctx context.Context, executionID string) error {
	m.mu.Lock()
	run, live := m.live[executionID]
	m.mu.Unlock()

	if live {
		snap := run.engine.Snapshot()
		if !snap.Status.IsTerminal() {
			return runerr.Validation(fmt.Sprintf("execution %q is not terminal", executionID))
		}
		m.mu.Lock()
		delete(m.live, executionID)
		m.mu.Unlock()
	}

	if err := m.backend.Delete(ctx, executionID); err != nil {
		return err
	}
	if m.screenshotDir != "" {
		if err := os.RemoveAll(filepath.Join(m.screenshotDir, executionID)); err != nil {
			m.logger.Warn("failed to remove screenshot directory", "execution_id", executionID, "error", err)
		}
	}
	return nil
}

// LiveRunCount reports how many runs are currently held in the live
// registry, for the playbookd_runs_in_memory gauge.
func (m *Manager) LiveRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ActiveSnapshots implements broadcast.ActiveRunLister: a late subscriber
// is backfilled with one ExecutionUpdate per currently non-terminal run,
// never a terminal one still lingering before its TTL sweep.
func (m *Manager) ActiveSnapshots() []state.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Snapshot, 0, len(m.live))
	for _, run := range m.live {
		snap := m.overrideTimeout(run)
		if !snap.Status.IsTerminal() {
			out = append(out, snap)
		}
	}
	return out
}

// overrideTimeout rewrites a watchdog-cancelled run's Error to "execution
// timeout", since the Engine itself only knows it was cancelled, not why.
// Caller must hold m.mu.
func (m *Manager) overrideTimeout(run *liveRun) state.Snapshot {
	snap := run.engine.Snapshot()
	if run.timedOut.Load() && snap.Status == state.RunCancelled {
		snap.Error = "execution timeout"
	}
	return snap
}

func (m *Manager) fireWatchdog(executionID string) {
	m.mu.Lock()
	run, ok := m.live[executionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	snap := run.engine.Snapshot()
	if snap.Status.IsTerminal() {
		return
	}
	run.timedOut.Store(true)
	run.engine.Signal(engine.SignalCancel)
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap(time.Now())
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, run := range m.live {
		snap := run.engine.Snapshot()
		if !snap.Status.IsTerminal() || snap.CompletedAt == nil {
			continue
		}
		if now.Sub(*snap.CompletedAt) >= m.ttl {
			delete(m.live, id)
		}
	}
}

// Close stops the reaper loop. It does not cancel any in-flight run.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
