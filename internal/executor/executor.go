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

// Package executor implements the Step Executor: given one resolved
// playbook step and a run context, it invokes the registered handler
// under a timeout, retries per the step's policy, and returns the
// resulting StepResult for the Engine to fold into ExecutionState. Every
// invocation lands in exactly one of four outcomes: success, timeout,
// error, or cancelled.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/state"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
)

// EventFunc is called by Execute on every step-result transition so the
// Engine can publish an update: every transition, success or not, emits
// one.
type EventFunc func(result state.StepResult)

// Clock is injectable for deterministic retry-delay tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Masker redacts credential values from step results before they reach a
// log line, an ExecutionUpdate event, or a persisted row: a credential's
// stringified form in logs and events must always read "***".
// *pkg/secrets.Masker satisfies this.
type Masker interface {
	Mask(s string) string
	MaskMap(m map[string]interface{}) map[string]interface{}
}

// Executor runs one step to a terminal StepResult.
type Executor struct {
	registry *handler.Registry
	clock    Clock
	masker   Masker
}

// New creates a Step Executor bound to a handler registry.
func New(registry *handler.Registry) *Executor {
	return &Executor{registry: registry, clock: realClock{}}
}

// WithClock overrides the clock, for tests that need deterministic sleeps.
func (e *Executor) WithClock(c Clock) *Executor {
	e.clock = c
	return e
}

// WithMasker attaches a credential redactor. A nil Masker (the default)
// leaves step results unredacted, matching tests and any deployment that
// has no credential vault configured.
func (e *Executor) WithMasker(m Masker) *Executor {
	e.masker = m
	return e
}

// redact masks known credential values out of a result's error message and
// output map in place, just before it is handed to emit. It is a no-op
// with no masker configured.
func (e *Executor) redact(result *state.StepResult) {
	if e.masker == nil {
		return
	}
	if result.Error != "" {
		result.Error = e.masker.Mask(result.Error)
	}
	if result.Output != nil {
		result.Output = e.masker.MaskMap(result.Output)
	}
}

// Execute runs step to completion (success, failed, or skipped), applying
// timeout/retry/on_failure policy. emit is called after every transition.
// It returns the final StepResult and, separately, whether the run itself
// must terminate as a result (on_failure=abort, or cancellation).
func (e *Executor) Execute(ctx context.Context, step playbook.Step, resolvedParams map[string]interface{}, runCtx *handler.RunContext, emit EventFunc) (result state.StepResult, abortRun bool) {
	result = state.StepResult{StepID: step.ID, Status: state.StepRunning}
	started := e.clock.Now()
	result.StartedAt = &started
	e.redact(&result)
	emit(result)

	h, err := e.registry.Get(step.Type)
	if err != nil {
		return e.finish(result, step, runerr.Validation(err.Error()), emit, true)
	}

	timeout := time.Duration(step.EffectiveTimeout()) * time.Second
	retryDelay := time.Duration(step.EffectiveRetryDelaySeconds()) * time.Second

	var lastErr error
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := h.Execute(stepCtx, resolvedParams, runCtx)
		cancel()

		if err == nil {
			result.Output = map[string]interface{}(output)
			return e.succeed(result, emit)
		}

		if isSkipSignal(ctx) {
			result.Status = state.StepSkipped
			completed := e.clock.Now()
			result.CompletedAt = &completed
			e.redact(&result)
			emit(result)
			return result, false
		}

		if isCancellation(ctx, stepCtx, err) {
			result.Status = state.StepFailed
			result.Error = runerr.Cancellation().Error()
			completed := e.clock.Now()
			result.CompletedAt = &completed
			e.redact(&result)
			emit(result)
			return result, true
		}

		lastErr = normalizeErr(stepCtx, err)

		if attempt < step.RetryCount {
			if sleepErr := e.clock.Sleep(ctx, retryDelay); sleepErr != nil {
				if isSkipSignal(ctx) {
					result.Status = state.StepSkipped
					completed := e.clock.Now()
					result.CompletedAt = &completed
					e.redact(&result)
					emit(result)
					return result, false
				}
				result.Status = state.StepFailed
				result.Error = runerr.Cancellation().Error()
				completed := e.clock.Now()
				result.CompletedAt = &completed
				e.redact(&result)
				emit(result)
				return result, true
			}
			result.Status = state.StepRunning
			e.redact(&result)
			emit(result)
			continue
		}
		break
	}

	return e.finish(result, step, lastErr, emit, false)
}

func (e *Executor) succeed(result state.StepResult, emit EventFunc) (state.StepResult, bool) {
	result.Status = state.StepSuccess
	completed := e.clock.Now()
	result.CompletedAt = &completed
	e.redact(&result)
	emit(result)
	return result, false
}

// finish applies on_failure policy once retries are exhausted (or the step
// type/validation failed outright, in which case preValidation=true always
// aborts regardless of policy — an unknown step type is not retryable).
func (e *Executor) finish(result state.StepResult, step playbook.Step, cause error, emit EventFunc, preValidation bool) (state.StepResult, bool) {
	completed := e.clock.Now()
	result.CompletedAt = &completed
	result.Error = cause.Error()

	if preValidation {
		result.Status = state.StepFailed
		e.redact(&result)
		emit(result)
		return result, true
	}

	switch step.EffectiveOnFailure() {
	case playbook.OnFailureContinue:
		result.Status = state.StepFailed
		e.redact(&result)
		emit(result)
		return result, false
	case playbook.OnFailureSkip:
		result.Status = state.StepSkipped
		result.Error = ""
		e.redact(&result)
		emit(result)
		return result, false
	default: // abort
		result.Status = state.StepFailed
		e.redact(&result)
		emit(result)
		return result, true
	}
}

func isCancellation(runCtx, stepCtx context.Context, err error) bool {
	return runCtx.Err() != nil && errors.Is(stepCtx.Err(), context.Canceled) && !errors.Is(stepCtx.Err(), context.DeadlineExceeded)
}

// isSkipSignal reports whether ctx was cancelled because the Engine is
// skipping this step forward or backward, as opposed to a real cancel or
// timeout.
func isSkipSignal(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, state.ErrSkipForward) || errors.Is(cause, state.ErrSkipBack)
}

// normalizeErr classifies a handler failure as TimeoutError when the
// step's own bounded context expired, otherwise passes through whatever
// Kind the handler already attached (or wraps it as HandlerError).
func normalizeErr(stepCtx context.Context, err error) error {
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return runerr.Timeout("step exceeded its timeout")
	}
	var re *runerr.RunError
	if errors.As(err, &re) {
		return re
	}
	return runerr.Handler(err.Error(), err)
}
