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

// Package engine implements the Run State Machine and Engine: together
// they drive one playbook run from pending to a terminal status,
// honoring pause/resume/skip/cancel/debug control signals at step
// boundaries and, for skip and cancel signals, mid-step. The Engine drives a
// playbook.Definition through the Step Executor directly rather than
// through a pluggable adapter, since this runtime has only the one kind
// of step definition to execute.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit-run/fieldkit/internal/executor"
	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/state"
	"github.com/fieldkit-run/fieldkit/internal/subengine"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
	"github.com/fieldkit-run/fieldkit/pkg/playbook/template"
)

var (
	errNoBrowserDriver  = errors.New("engine: no browser driver configured")
	errNoGatewaySession = errors.New("engine: no gateway session configured")
)

// screenshotMinInterval rate-limits the browser driver's screenshot
// callback to at most 2 Hz.
const screenshotMinInterval = 500 * time.Millisecond

// Publisher is the narrow slice of the Broadcaster the Engine needs:
// a non-blocking fan-out of one event to all current subscribers. Engine
// depends only on this interface, not on the broadcast package, so the
// broadcast package is free to depend on engine's event types without
// creating a cycle.
type Publisher interface {
	Publish(event interface{})
}

// CredentialSource resolves a named credential for template expressions
// (pkg/playbook/template.Context.Credentials).
type CredentialSource func(name string) (map[string]interface{}, bool)

// Recorder is the narrow slice of the Persistence Sink the Engine needs:
// record a step result and finalize the run row. A nil Recorder is
// valid — persistence failures never fail a run.
type Recorder interface {
	RecordStep(ctx context.Context, executionID string, result state.StepResult)
	Finalize(ctx context.Context, snapshot state.Snapshot)
}

// Metrics is the narrow slice of internal/tracing.MetricsCollector the
// Engine reports run/step lifecycle events to. A nil Metrics is valid — an
// engine run under test, or one started before an observability provider
// is configured, runs unmetered.
type Metrics interface {
	RecordRunStart(ctx context.Context, executionID, playbookName string)
	RecordRunComplete(ctx context.Context, executionID, playbookName, status string, duration time.Duration)
	RecordStepComplete(ctx context.Context, playbookName, stepType, status string, duration time.Duration)
}

// Config wires one Engine instance.
type Config struct {
	Definition  *playbook.Definition
	Parameters  map[string]interface{}
	Executor    *executor.Executor
	Publisher   Publisher
	Credentials CredentialSource
	Loader      *subengine.Loader
	Recorder    Recorder
	Metrics     Metrics
	Logger      *slog.Logger

	BrowserDriver  BrowserDriverFactory
	GatewaySession GatewaySessionFactory

	// ParentChain and NestingDepth are set by the parent Engine when
	// constructing a child for a playbook.run step; left empty/zero for
	// a top-level run.
	ParentChain  []string
	NestingDepth int

	// ExecutionID overrides the generated UUID; the Execution Manager
	// passes the id it has already assigned. Child engines for
	// playbook.run steps leave it empty and get a fresh UUID.
	ExecutionID string
}

// Engine drives a single playbook run: it owns the run's state machine
// and the step loop that advances it.
type Engine struct {
	id  string
	def *playbook.Definition

	exec        *executor.Executor
	pub         Publisher
	credentials CredentialSource
	loader      *subengine.Loader
	recorder    Recorder
	metrics     Metrics
	logger      *slog.Logger
	resources   *resourceGuard

	parentChain  []string
	nestingDepth int

	sig *signals

	mu        sync.Mutex
	es        *state.ExecutionState
	lastShot  time.Time
	runCancel context.CancelCauseFunc
}

// New constructs an Engine ready to Run. The definition's parameters are
// not yet resolved against cfg.Parameters — that happens at the start of
// Run.
func New(cfg Config) *Engine {
	id := cfg.ExecutionID
	if id == "" {
		id = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Every step gets a pending result up front, so a snapshot of an
	// aborted or cancelled run still reports the steps that never ran.
	results := make([]state.StepResult, len(cfg.Definition.Steps))
	for i, s := range cfg.Definition.Steps {
		results[i] = state.StepResult{StepID: s.ID, Status: state.StepPending}
	}
	e := &Engine{
		id:           id,
		def:          cfg.Definition,
		exec:         cfg.Executor,
		pub:          cfg.Publisher,
		credentials:  cfg.Credentials,
		loader:       cfg.Loader,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		logger:       logger,
		resources:    newResourceGuard(cfg.BrowserDriver, cfg.GatewaySession),
		parentChain:  cfg.ParentChain,
		nestingDepth: cfg.NestingDepth,
		sig:          newSignals(false),
		es: &state.ExecutionState{
			ExecutionID:  id,
			PlaybookName: cfg.Definition.Name,
			PlaybookPath: cfg.Definition.Path,
			Status:       state.RunPending,
			TotalSteps:   len(cfg.Definition.Steps),
			StepResults:  results,
			Parameters:   cfg.Parameters,
			Variables:    map[string]interface{}{},
			Metadata: map[string]interface{}{
				"nesting_depth": cfg.NestingDepth,
				"parent_chain":  cfg.ParentChain,
			},
		},
	}
	return e
}

// ID returns the execution id this engine was created with.
func (e *Engine) ID() string { return e.id }

// Signal delivers a control signal. Safe to call concurrently with Run
// from any goroutine.
func (e *Engine) Signal(kind SignalKind) {
	e.sig.send(kind)
	switch kind {
	case SignalDebugOn, SignalDebugOff:
		// The debug flag is part of every ExecutionUpdate, so mirror it
		// into the state the Snapshot is taken from.
		e.mu.Lock()
		e.es.DebugMode = kind == SignalDebugOn
		e.mu.Unlock()
	}
}

// Snapshot returns a deep, alias-free copy of the run's current state.
func (e *Engine) Snapshot() state.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.es.Snapshot()
}

// Run resolves parameters and drives the playbook to a terminal status.
// It blocks until the run completes, fails, or is cancelled; callers that
// want concurrency (the normal case) invoke Run from its own goroutine, as
// the Execution Manager does.
func (e *Engine) Run(ctx context.Context, userParameters map[string]interface{}) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.runCancel = cancel
	e.mu.Unlock()
	defer e.resources.Close()

	resolved, err := e.def.ResolveParameters(userParameters)
	if err != nil {
		return e.failRun(runerr.Validation(err.Error()))
	}

	e.mu.Lock()
	e.es.Parameters = resolved
	e.es.Status = state.RunRunning
	e.es.StartedAt = time.Now()
	e.mu.Unlock()
	e.emitRunUpdate()
	if e.metrics != nil {
		e.metrics.RecordRunStart(runCtx, e.id, e.def.Name)
	}

	// A zero-step playbook has no step 0 to pause before, so debug_mode
	// is a no-op: running then immediately completed.
	if e.sig.isDebugMode() && len(e.def.Steps) > 0 {
		// Latch the pause before the paused status becomes visible, so a
		// resume sent as soon as a caller sees "paused" is never lost.
		e.sig.send(SignalPause)
		e.setStatus(state.RunPaused)
		e.emitRunUpdate()
		e.sig.awaitResumeOrCancel(runCtx)
		if e.sig.isCancelled() {
			cancel(nil)
			return e.finalize(runCtx, state.RunCancelled, runerr.Cancellation())
		}
		e.setStatus(state.RunRunning)
		e.emitRunUpdate()
	}

	i := 0
	for i < len(e.def.Steps) {
	boundary:
		for {
			o := e.sig.observe()
			switch {
			case o.cancelled:
				cancel(nil)
				return e.finalize(runCtx, state.RunCancelled, runerr.Cancellation())
			case o.skipBack:
				i = max(0, i-1)
				e.resetStepResult(i)
				e.emitRunUpdate()
				continue boundary
			case o.skipForward:
				e.markStepSkipped(i)
				e.emitRunUpdate()
				i++
				continue
			case o.paused:
				e.setStatus(state.RunPaused)
				e.emitRunUpdate()
				e.sig.awaitResumeOrCancel(runCtx)
				if !e.sig.isCancelled() {
					e.setStatus(state.RunRunning)
				}
				continue boundary
			default:
				break boundary
			}
		}
		if i >= len(e.def.Steps) {
			break
		}

		step := e.def.Steps[i]
		result, abort, skippedBack := e.runStep(runCtx, step, resolved)
		e.recordStep(i, result)
		e.emitRunUpdate()

		if result.Status == state.StepFailed && abort {
			if e.sig.isCancelled() {
				return e.finalize(runCtx, state.RunCancelled, runerr.Cancellation())
			}
			return e.finalize(runCtx, state.RunFailed, fmt.Errorf("%s", result.Error))
		}

		if skippedBack {
			i = max(0, i-1)
			continue
		}

		if e.sig.isDebugMode() {
			e.sig.send(SignalPause)
			e.setStatus(state.RunPaused)
			e.emitRunUpdate()
			e.sig.awaitResumeOrCancel(runCtx)
			if e.sig.isCancelled() {
				cancel(nil)
				return e.finalize(runCtx, state.RunCancelled, runerr.Cancellation())
			}
			e.setStatus(state.RunRunning)
		}
		i++
	}

	return e.finalize(runCtx, state.RunCompleted, nil)
}

// runStep runs one step to a terminal result. The third return value is
// true only when the step was terminated mid-flight by skip_back, which
// the caller must honor by moving the cursor back rather than advancing
// it (skip_back interrupts an in-flight step the same way skip_forward
// does, but the cursor moves the other way afterward).
func (e *Engine) runStep(ctx context.Context, step playbook.Step, resolvedParams map[string]interface{}) (result state.StepResult, abortRun bool, skippedBack bool) {
	stepCtx, stepCancel := context.WithCancelCause(ctx)
	endStep := e.sig.beginStep(stepCancel)
	defer endStep()
	defer stepCancel(nil)

	params, err := template.ResolveMap(step.Parameters, e.templateContext(resolvedParams))
	if err != nil {
		started := time.Now()
		r := state.StepResult{StepID: step.ID, StartedAt: &started, CompletedAt: &started}
		res, abort := applyOnFailure(step, r, err.Error())
		return res, abort, false
	}

	var res state.StepResult
	var abort bool
	if step.Type == "playbook.run" {
		res, abort = e.runNestedPlaybook(stepCtx, step, params)
	} else {
		runCtx := &handler.RunContext{
			ExecutionID: e.id,
			Parameters:  resolvedParams,
			Variables:   e.variablesSnapshot(),
			Resources:   e.resources,
			Screenshot:  screenshotEmitter{e},
			SetVar:      variableSetter{e},
		}
		res, abort = e.exec.Execute(stepCtx, step, params, runCtx, func(r state.StepResult) {
			e.recordStep(e.stepIndex(step.ID), r)
			e.emitRunUpdate()
		})
	}
	return res, abort, res.Status == state.StepSkipped && errorsIsSkipBack(context.Cause(stepCtx))
}

func (e *Engine) runNestedPlaybook(ctx context.Context, step playbook.Step, params map[string]interface{}) (state.StepResult, bool) {
	result := state.StepResult{StepID: step.ID, Status: state.StepRunning}
	started := time.Now()
	result.StartedAt = &started

	fail := func(err error) (state.StepResult, bool) {
		completed := time.Now()
		result.CompletedAt = &completed
		return applyOnFailure(step, result, err.Error())
	}

	path, _ := params["playbook"].(string)
	if path == "" {
		return fail(runerr.Validation("playbook.run requires a \"playbook\" parameter"))
	}
	baseDir := filepath.Dir(e.def.Path)
	def, absPath, err := e.loader.Load(baseDir, path, e.parentChain)
	if err != nil {
		return fail(err)
	}

	child := New(Config{
		Definition:     def,
		Executor:       e.exec,
		Publisher:      e.pub,
		Credentials:    e.credentials,
		Loader:         e.loader,
		Recorder:       e.recorder,
		Logger:         e.logger,
		BrowserDriver:  e.resources.browserFactory,
		GatewaySession: e.resources.gatewayFactory,
		ParentChain:    append(append([]string{}, e.parentChain...), absPath),
		NestingDepth:   e.nestingDepth + 1,
	})

	runErr := child.Run(ctx, params)
	snap := child.Snapshot()

	executed := 0
	for _, r := range snap.StepResults {
		if r.Status != state.StepPending {
			executed++
		}
	}

	completed := time.Now()
	result.CompletedAt = &completed
	result.Output = map[string]interface{}{
		"status":         string(snap.Status),
		"steps_executed": executed,
		"completed":      snap.Status == state.RunCompleted,
	}
	if runErr != nil && snap.Status != state.RunCompleted {
		return applyOnFailure(step, result, runErr.Error())
	}
	result.Status = state.StepSuccess
	return result, false
}

// applyOnFailure records a step as failed/skipped per its on_failure
// policy and reports whether the run must abort, mirroring the Step
// Executor's own finish() so parameter-resolution and nested-playbook
// failures (which never reach the executor) obey the same policy as
// handler failures.
func applyOnFailure(step playbook.Step, result state.StepResult, message string) (state.StepResult, bool) {
	switch step.EffectiveOnFailure() {
	case playbook.OnFailureContinue:
		result.Status = state.StepFailed
		result.Error = message
		return result, false
	case playbook.OnFailureSkip:
		result.Status = state.StepSkipped
		return result, false
	default:
		result.Status = state.StepFailed
		result.Error = message
		return result, true
	}
}

func (e *Engine) templateContext(resolvedParams map[string]interface{}) template.Context {
	e.mu.Lock()
	vars := make(map[string]interface{}, len(e.es.Variables))
	for k, v := range e.es.Variables {
		vars[k] = v
	}
	outputs := make(map[string]map[string]interface{}, len(e.es.StepResults))
	for _, r := range e.es.StepResults {
		if r.Output != nil {
			outputs[r.StepID] = r.Output
		}
	}
	e.mu.Unlock()
	return template.Context{
		Parameters:  resolvedParams,
		Variables:   vars,
		Credentials: e.credentials,
		StepOutputs: outputs,
	}
}

func (e *Engine) variablesSnapshot() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]interface{}, len(e.es.Variables))
	for k, v := range e.es.Variables {
		out[k] = v
	}
	return out
}

func (e *Engine) setVariable(name string, value interface{}) {
	e.mu.Lock()
	e.es.Variables[name] = value
	e.mu.Unlock()
}

func (e *Engine) emitScreenshot(jpeg []byte) {
	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.lastShot) < screenshotMinInterval {
		e.mu.Unlock()
		return
	}
	e.lastShot = now
	e.mu.Unlock()
	if e.pub == nil {
		return
	}
	e.pub.Publish(state.ScreenshotFrame{
		ExecutionID: e.id,
		JPEGBase64:  encodeBase64(jpeg),
		Timestamp:   now,
	})
}

func (e *Engine) stepIndex(stepID string) int {
	for i, s := range e.def.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

func (e *Engine) recordStep(index int, result state.StepResult) {
	if index < 0 || index >= len(e.def.Steps) {
		return
	}
	e.mu.Lock()
	e.es.StepResults[index] = result
	e.es.CurrentStep = index
	e.mu.Unlock()
	if e.recorder != nil {
		e.recorder.RecordStep(context.Background(), e.id, result)
	}
	if e.metrics != nil && isTerminalStep(result.Status) && result.StartedAt != nil && result.CompletedAt != nil {
		e.metrics.RecordStepComplete(context.Background(), e.def.Name, e.def.Steps[index].Type, string(result.Status), result.CompletedAt.Sub(*result.StartedAt))
	}
}

func isTerminalStep(s state.StepStatus) bool {
	return s == state.StepSuccess || s == state.StepFailed || s == state.StepSkipped
}

func (e *Engine) resetStepResult(index int) {
	e.mu.Lock()
	if index < len(e.es.StepResults) {
		e.es.StepResults[index] = state.StepResult{StepID: e.def.Steps[index].ID, Status: state.StepPending}
	}
	e.es.CurrentStep = index
	e.mu.Unlock()
}

func (e *Engine) markStepSkipped(index int) {
	now := time.Now()
	e.recordStep(index, state.StepResult{
		StepID:      e.def.Steps[index].ID,
		Status:      state.StepSkipped,
		StartedAt:   &now,
		CompletedAt: &now,
	})
}

func (e *Engine) setStatus(s state.RunStatus) {
	e.mu.Lock()
	e.es.Status = s
	e.mu.Unlock()
}

func (e *Engine) failRun(err error) error {
	e.setStatus(state.RunFailed)
	e.mu.Lock()
	e.es.Error = err.Error()
	e.mu.Unlock()
	e.emitRunUpdate()
	return err
}

func (e *Engine) finalize(ctx context.Context, status state.RunStatus, cause error) error {
	e.mu.Lock()
	if !e.es.Status.IsTerminal() {
		e.es.Status = status
	}
	if cause != nil {
		e.es.Error = cause.Error()
	}
	completed := time.Now()
	e.es.CompletedAt = &completed
	snap := e.es.Snapshot()
	e.mu.Unlock()

	e.emitRunUpdate()
	if e.recorder != nil {
		e.recorder.Finalize(context.Background(), snap)
	}
	if e.metrics != nil {
		e.metrics.RecordRunComplete(context.Background(), e.id, e.def.Name, string(snap.Status), completed.Sub(snap.StartedAt))
	}
	return cause
}

func (e *Engine) emitRunUpdate() {
	if e.pub == nil {
		return
	}
	e.pub.Publish(state.ExecutionUpdate{
		ExecutionID: e.id,
		Snapshot:    e.Snapshot(),
		Timestamp:   time.Now(),
	})
}

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func errorsIsSkipBack(cause error) bool {
	return errors.Is(cause, state.ErrSkipBack)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type screenshotEmitter struct{ e *Engine }

func (s screenshotEmitter) EmitScreenshot(jpeg []byte) { s.e.emitScreenshot(jpeg) }

type variableSetter struct{ e *Engine }

func (v variableSetter) SetVariable(name string, value interface{}) { v.e.setVariable(name, value) }
