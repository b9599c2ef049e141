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

// Package handler defines the Step Handler Registry: the dispatch table
// mapping a step's dotted type tag to the plugin that executes it.
package handler

import (
	"context"
	"fmt"
	"sync"

	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// Output is the free-form result of a handler invocation. The engine
// merges it into the run's step-output table keyed by the step's id.
type Output map[string]interface{}

// Resources exposes the engine's lazily-initialized shared resources to a
// handler. Getters create the resource on first call and are safe for
// concurrent use; the engine guarantees Close is called on every run exit
// path including cancellation.
type Resources interface {
	// BrowserDriver returns the run's shared browser driver, creating it
	// if this is the first handler within the run to need one.
	BrowserDriver(ctx context.Context) (interface{}, error)
	// GatewaySession returns the run's shared gateway client session,
	// creating it if this is the first handler within the run to need
	// one.
	GatewaySession(ctx context.Context) (interface{}, error)
}

// ScreenshotEmitter lets a browser handler publish a frame. Implementations
// must not block: a full broadcaster drops the frame.
type ScreenshotEmitter interface {
	EmitScreenshot(jpeg []byte)
}

// VariableSetter lets utility.set_variable (and similar) mutate the run's
// variable map, which later steps' template expressions read from.
type VariableSetter interface {
	SetVariable(name string, value interface{})
}

// RunContext is what the engine supplies to a handler's Execute call. It
// carries read-only snapshots plus the narrow mutation points a handler is
// permitted (variables, screenshots), never direct access to the engine's
// ExecutionState.
type RunContext struct {
	ExecutionID string
	Parameters  map[string]interface{}
	Variables   map[string]interface{}

	Resources  Resources
	Screenshot ScreenshotEmitter
	SetVar     VariableSetter
}

// StepHandler is the capability every registered step type must satisfy.
// Implementations must honor ctx cancellation promptly at I/O boundaries,
// must not retry internally (the Step Executor owns retry policy), and may
// publish screenshot frames via RunContext.Screenshot.
type StepHandler interface {
	// Type returns the dotted tag this handler answers to, e.g.
	// "gateway.login" or "utility.set_variable".
	Type() string
	Execute(ctx context.Context, params map[string]interface{}, runCtx *RunContext) (Output, error)
}

// Registry maps a step type tag to its handler. It is built up during
// startup via Register and is treated as immutable once the engine begins
// driving runs — concurrent reads are still safe via the mutex for the
// uncommon case of hot-reloading a plugin manifest.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register adds a handler, keyed by its own Type(). A later Register call
// for the same type replaces the prior handler (used by tests to stub
// specific step types).
func (r *Registry) Register(h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for a step type, or a ValidationError-kind
// RunError if no handler is registered (an unknown step type is a
// pre-flight validation failure, never retried).
func (r *Registry) Get(stepType string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	if !ok {
		return nil, runerr.Validation(fmt.Sprintf("unknown step type %q", stepType))
	}
	return h, nil
}

// Types returns the registered step type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
