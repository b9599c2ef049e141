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
	"sync"

	"github.com/fieldkit-run/fieldkit/internal/state"
)

// SignalKind is one of the control signals a caller may deliver to a run.
// It is the wire vocabulary the Execution Manager's signal(execution_id,
// kind) accepts.
type SignalKind string

const (
	SignalPause       SignalKind = "pause"
	SignalResume      SignalKind = "resume"
	SignalSkipForward SignalKind = "skip_forward"
	SignalSkipBack    SignalKind = "skip_back"
	SignalCancel      SignalKind = "cancel"
	SignalDebugOn     SignalKind = "debug_on"
	SignalDebugOff    SignalKind = "debug_off"
)

// observation is what the loop boundary sees after applying signal
// priority (cancel > skip-back > skip-forward > pause). At most one of
// SkipBack/SkipForward/Paused is ever true in a single observation — the
// others remain pending for the next boundary check.
type observation struct {
	cancelled   bool
	skipBack    bool
	skipForward bool
	paused      bool
	debugMode   bool
}

// signals holds one run's latched/one-shot control flags plus the
// mechanics to interrupt an in-flight step (skip_forward/skip_back/cancel) and
// to block a paused loop until resume or cancel. It is the Run State
// Machine's signal half; ExecutionState in internal/state is its data
// half. Each of pause/skip_forward/skip_back/cancel/debug gets its own
// independently latched or one-shot flag rather than a single command
// channel, since more than one can be pending at a step boundary at
// once and priority between them has to be resolved explicitly.
type signals struct {
	mu          sync.Mutex
	paused      bool
	skipForward bool
	skipBack    bool
	cancelled   bool
	debugMode   bool
	wake        chan struct{}

	// current holds the cancel func for the step presently in flight, if
	// any, so skip_forward/skip_back/cancel can interrupt it immediately rather
	// than waiting for the next loop boundary.
	current context.CancelCauseFunc
}

func newSignals(initialDebug bool) *signals {
	return &signals{wake: make(chan struct{}), debugMode: initialDebug}
}

func (s *signals) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// send applies one control signal. It is safe to call from any goroutine,
// including while a step is in flight.
func (s *signals) send(kind SignalKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case SignalPause:
		s.paused = true
	case SignalResume:
		s.paused = false
	case SignalSkipForward:
		if s.current != nil {
			// A step is in flight: the interrupt itself fully handles
			// this occurrence, so the one-shot flag is not also left
			// pending for the next boundary check.
			s.current(state.ErrSkipForward)
		} else {
			s.skipForward = true
		}
	case SignalSkipBack:
		if s.current != nil {
			s.current(state.ErrSkipBack)
		} else {
			s.skipBack = true
		}
	case SignalCancel:
		s.cancelled = true
		if s.current != nil {
			// Cancel interrupts an in-flight handler immediately too:
			// every in-flight handler receives cancellation, unlike the
			// one-shot skip signals it takes priority over.
			s.current(nil)
		}
	case SignalDebugOn:
		s.debugMode = true
	case SignalDebugOff:
		s.debugMode = false
	}
	s.broadcastLocked()
}

// observe applies the signal priority order and consumes at most one
// one-shot signal. Cancel and debugMode are reported but never consumed
// (cancel is latched for the run's remaining lifetime; debugMode is
// latched until explicitly toggled off).
func (s *signals) observe() observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := observation{cancelled: s.cancelled, debugMode: s.debugMode}
	switch {
	case s.cancelled:
	case s.skipBack:
		o.skipBack = true
		s.skipBack = false
	case s.skipForward:
		o.skipForward = true
		s.skipForward = false
	case s.paused:
		o.paused = true
	}
	return o
}

// awaitResumeOrCancel blocks the loop while paused, waking on any signal
// change (resume, cancel, or the parent ctx's own cancellation).
func (s *signals) awaitResumeOrCancel(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.paused || s.cancelled {
			s.mu.Unlock()
			return
		}
		ch := s.wake
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// beginStep registers cancel as the interrupt point for the step about to
// run, returning a cleanup func that must be deferred.
func (s *signals) beginStep(cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	s.current = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}
}

func (s *signals) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *signals) isDebugMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debugMode
}
