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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks persistence-layer failures, wrapped in a struct rather
// than a package-level global so tests can construct their own registry
// instead of sharing prometheus.DefaultRegisterer.
type Metrics struct {
	errors *prometheus.CounterVec
}

// NewMetrics registers the persistence error counter against reg. Pass
// prometheus.DefaultRegisterer for production use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "playbook_persistence_errors_total",
			Help: "Count of Persistence Sink operations that returned an error.",
		}, []string{"operation"}),
	}
}

// RecordError increments the error counter for the named operation
// ("record_step", "finalize").
func (m *Metrics) RecordError(operation string) {
	m.errors.WithLabelValues(operation).Inc()
}
