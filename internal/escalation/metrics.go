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

package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records escalation activity as Prometheus vectors. A nil
// *Metrics (what a Manager built without WithMetrics holds) is valid and
// a no-op, so escalation works without a registry wired in.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	failingKinds   prometheus.Gauge
}

// NewMetrics registers its vectors against reg. Pass nil to use the global
// default registerer, matching the teacher's promauto idiom
// (internal/action/file/metrics.go); pass prometheus.NewRegistry() in
// tests to avoid collisions across parallel test registrations.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_escalation_events_total",
			Help: "Total escalation events emitted, by scope/action/severity.",
		}, []string{"scope", "action", "severity"}),
		failingKinds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_escalation_failing_worker_kinds",
			Help: "Number of distinct worker kinds currently failing within the escalation window.",
		}),
	}

	reg.MustRegister(m.eventsTotal, m.failingKinds)
	return m
}

func (m *Metrics) observe(ev Event) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(ev.Scope), string(ev.Action), string(ev.Severity)).Inc()
}

func (m *Metrics) setFailingKinds(n int) {
	if m == nil {
		return
	}
	m.failingKinds.Set(float64(n))
}
