// Copyright (c) 2026 John Earle
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

// Package metrics defines the Prometheus collectors exported by the
// ingestion service. Collectors are registered against an injected
// registerer so tests and multiple workers in one process never collide on
// the global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loadhunt"

// Metrics bundles every collector the service updates.
type Metrics struct {
	QueueClaimed       prometheus.Counter
	QueueCompleted     prometheus.Counter
	QueueFailed        *prometheus.CounterVec
	QueueStaleReset    prometheus.Counter
	QueueSweepTimeouts prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	ItemDuration       prometheus.Histogram

	Fingerprints    *prometheus.CounterVec
	ContentReceipts *prometheus.CounterVec

	CreditChecks        *prometheus.CounterVec
	CreditExternalCalls *prometheus.CounterVec
	CreditAuditFailures prometheus.Counter

	IntakeMessages *prometheus.CounterVec
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "claimed_total",
			Help: "Queue items claimed by this worker.",
		}),
		QueueCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "completed_total",
			Help: "Queue items completed successfully.",
		}),
		QueueFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "failed_total",
			Help: "Queue item failures by resulting status (pending = retry, failed = terminal).",
		}, []string{"status"}),
		QueueStaleReset: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "stale_reset_total",
			Help: "Items force-reset from processing back to pending by the stale sweep.",
		}),
		QueueSweepTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "sweep_timeouts_total",
			Help: "Stale sweeps abandoned because the store did not answer in time.",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Queue rows by status, sampled by the sweep loop.",
		}, []string{"status"}),
		ItemDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "item_duration_seconds",
			Help:    "Time spent processing a single claimed item.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Fingerprints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fingerprint", Name: "computed_total",
			Help: "Fingerprint computations by outcome (eligible or the ineligibility reason).",
		}, []string{"outcome"}),
		ContentReceipts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "content", Name: "receipts_total",
			Help: "Content upserts split into first sightings and duplicates.",
		}, []string{"kind"}),
		CreditChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credit", Name: "checks_total",
			Help: "Broker credit checks by coordination role.",
		}, []string{"role"}),
		CreditExternalCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credit", Name: "external_calls_total",
			Help: "Billed broker verification calls by outcome.",
		}, []string{"outcome"}),
		CreditAuditFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credit", Name: "audit_write_failures_total",
			Help: "Per-load audit rows that could not be written.",
		}),
		IntakeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "messages_total",
			Help: "Inbound envelopes by outcome.",
		}, []string{"outcome"}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for
// tests and tools that do not expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
