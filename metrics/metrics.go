// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics publishes a small Prometheus registry for the cycle
// executor: cycles completed, turns sent, compaction events, and loop
// aborts. The engine itself never starts an HTTP exporter — the registry
// is exposed for a host process to scrape with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config controls whether metrics are collected and how metric names are
// namespaced.
type Config struct {
	// Enabled turns on metrics collection. Default: false.
	Enabled bool

	// Namespace prefixes all metric names. Default: "sdqctl".
	Namespace string
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "sdqctl"
	}
}

// Metrics is the executor's Prometheus registry. A nil *Metrics is always
// safe to call methods on — every recorder no-ops when m is nil, so the
// executor does not need to branch on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	cyclesCompleted *prometheus.CounterVec
	turnsSent       *prometheus.CounterVec
	compactions     *prometheus.CounterVec
	loopAborts      *prometheus.CounterVec
	activeRuns      prometheus.Gauge
}

// New creates a Metrics instance from configuration, or returns nil,nil
// when metrics are disabled.
func New(cfg *Config) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.cyclesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "cycles_completed_total",
			Help:      "Total number of workflow cycles completed",
		},
		[]string{"session_mode"},
	)

	m.turnsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "turns_sent_total",
			Help:      "Total number of RUN turns sent to the adapter",
		},
		[]string{"adapter"},
	)

	m.compactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "compactions_total",
			Help:      "Total number of session compaction events, by trigger",
		},
		[]string{"trigger"},
	)

	m.loopAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "loop_aborts_total",
			Help:      "Total number of runs aborted by the loop detector, by reason",
		},
		[]string{"reason"},
	)

	m.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "active_runs",
			Help:      "Number of currently executing workflow runs",
		},
	)

	m.registry.MustRegister(m.cyclesCompleted, m.turnsSent, m.compactions, m.loopAborts, m.activeRuns)
	return m, nil
}

// RecordCycleCompleted records one finished cycle.
func (m *Metrics) RecordCycleCompleted(sessionMode string) {
	if m == nil {
		return
	}
	m.cyclesCompleted.WithLabelValues(sessionMode).Inc()
}

// RecordTurnSent records one RUN turn dispatched to the adapter.
func (m *Metrics) RecordTurnSent(adapter string) {
	if m == nil {
		return
	}
	m.turnsSent.WithLabelValues(adapter).Inc()
}

// RecordCompaction records a session compaction event.
func (m *Metrics) RecordCompaction(trigger string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(trigger).Inc()
}

// RecordLoopAbort records a loop-detector, stop-file, or rate-limit abort.
func (m *Metrics) RecordLoopAbort(reason string) {
	if m == nil {
		return
	}
	m.loopAborts.WithLabelValues(reason).Inc()
}

// IncActiveRuns increments the active-runs gauge.
func (m *Metrics) IncActiveRuns() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// DecActiveRuns decrements the active-runs gauge.
func (m *Metrics) DecActiveRuns() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

// Registry returns the Prometheus registry, or nil if metrics are
// disabled. A host process can wrap it with promhttp.HandlerFor to
// expose a scrape endpoint; the engine itself never does this.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
