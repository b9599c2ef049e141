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

package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SubscriberCounter reports how many live Broadcaster subscribers are
// currently registered. *internal/broadcast.Broadcaster satisfies this.
type SubscriberCounter interface {
	SubscriberCount() int
}

// RunCounter reports how many runs the Execution Manager is currently
// tracking in its live registry. *internal/manager.Manager satisfies this.
type RunCounter interface {
	LiveRunCount() int
}

// DropCounter reports the cumulative number of broadcast events dropped
// across all subscribers — a subscriber whose channel is full loses that
// one event, never the connection. *internal/broadcast.Broadcaster
// satisfies this.
type DropCounter interface {
	TotalDropped() int
}

// MetricsCollector collects Prometheus-compatible metrics for playbook run
// and step execution: run/step counts and durations plus a
// broadcast-drop gauge that observes subscriber backpressure. Runs carry
// no LLM request/token/cost dimension here — handlers that wrap an AI
// provider report through the ai.* attributes on their own spans, not
// through process-wide counters.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal  metric.Int64Counter
	stepsTotal metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex

	subscriberCounter SubscriberCounter
	runCounter        RunCounter
	dropCounter       DropCounter
	sourcesMu         sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("fieldkit")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"playbookd_runs_total",
		metric.WithDescription("Total number of playbook runs completed, by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"playbookd_steps_total",
		metric.WithDescription("Total number of playbook steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"playbookd_run_duration_seconds",
		metric.WithDescription("Playbook run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"playbookd_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_active_runs",
		metric.WithDescription("Number of currently running (non-terminal) playbook runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_runs_in_memory",
		metric.WithDescription("Number of runs in the Execution Manager's live registry"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.sourcesMu.RLock()
			counter := mc.runCounter
			mc.sourcesMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.LiveRunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_broadcast_subscribers",
		metric.WithDescription("Number of subscribers currently registered with the Broadcaster"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.sourcesMu.RLock()
			counter := mc.subscriberCounter
			mc.sourcesMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.SubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_broadcast_drops_total",
		metric.WithDescription("Cumulative count of events dropped to slow or full subscribers"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.sourcesMu.RLock()
			counter := mc.dropCounter
			mc.sourcesMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TotalDropped()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"playbookd_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the start of a playbook run.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, executionID, playbookName string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[executionID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records a playbook run reaching a terminal status
// (completed, failed, or cancelled).
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, executionID, playbookName, status string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, executionID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("playbook", playbookName),
		attribute.String("status", status),
	}

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records one step reaching a terminal status (success,
// failed, or skipped) within a playbook run.
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, playbookName, stepType, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("playbook", playbookName),
		attribute.String("step", stepType),
		attribute.String("status", status),
	}

	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// SetSubscriberCounter sets the source for the broadcast-subscribers gauge.
func (mc *MetricsCollector) SetSubscriberCounter(counter SubscriberCounter) {
	mc.sourcesMu.Lock()
	mc.subscriberCounter = counter
	mc.sourcesMu.Unlock()
}

// SetRunCounter sets the source for the runs-in-memory gauge.
func (mc *MetricsCollector) SetRunCounter(counter RunCounter) {
	mc.sourcesMu.Lock()
	mc.runCounter = counter
	mc.sourcesMu.Unlock()
}

// SetDropCounter sets the source for the broadcast-drops gauge.
func (mc *MetricsCollector) SetDropCounter(counter DropCounter) {
	mc.sourcesMu.Lock()
	mc.dropCounter = counter
	mc.sourcesMu.Unlock()
}
