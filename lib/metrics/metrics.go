// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors shared by the session
// components.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally and tests can omit it.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics is the set of collectors for one session.
type Metrics struct {
	ingestAdmitted   *prometheus.CounterVec
	ingestDuplicates *prometheus.CounterVec
	ingestRejected   *prometheus.CounterVec
	ingestQueueDepth prometheus.Gauge

	probeLatency        prometheus.Histogram
	connectionQuality   prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	reconnectAttempts   prometheus.Counter

	refreshRuns     *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec

	inbound  *prometheus.CounterVec
	requests *prometheus.CounterVec
}

// New creates the collectors and registers them on registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ingestAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "admitted_total",
			Help:      "Messages appended to a conversation log, by source.",
		}, []string{"source"}),
		ingestDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Messages dropped as duplicates, by the index that matched.",
		}, []string{"reason"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Messages rejected by validation, by reason.",
		}, []string{"reason"}),
		ingestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Items waiting in the ingest queue.",
		}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_latency_seconds",
			Help:      "Round-trip time of answered liveness probes.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 3, 5, 10, 30},
		}),
		connectionQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "quality",
			Help:      "Connection quality: 0 excellent, 1 good, 2 poor, 3 unstable.",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Probe timeouts since the last answered probe.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reconnect_attempts_total",
			Help:      "Reauthentication attempts made by the reconnect loop.",
		}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh passes, by mode (full, limited, deferred).",
		}, []string{"mode"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "target_failures_total",
			Help:      "Per-target refresh failures, by operation.",
		}, []string{"operation"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_total",
			Help:      "Inbound units dispatched, by kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Correlated requests, by outcome (result, error, timeout, cancelled).",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		m.ingestAdmitted, m.ingestDuplicates, m.ingestRejected, m.ingestQueueDepth,
		m.probeLatency, m.connectionQuality, m.consecutiveFailures, m.reconnectAttempts,
		m.refreshRuns, m.refreshFailures,
		m.inbound, m.requests,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}
	return m, nil
}

// IngestAdmitted counts one appended message from source ("live" or
// "archive").
func (m *Metrics) IngestAdmitted(source string) {
	if m == nil {
		return
	}
	m.ingestAdmitted.WithLabelValues(source).Inc()
}

// IngestDuplicate counts one dropped duplicate. reason is "id" or
// "signature".
func (m *Metrics) IngestDuplicate(reason string) {
	if m == nil {
		return
	}
	m.ingestDuplicates.WithLabelValues(reason).Inc()
}

// IngestRejected counts one validation rejection.
func (m *Metrics) IngestRejected(reason string) {
	if m == nil {
		return
	}
	m.ingestRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the ingest queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ingestQueueDepth.Set(float64(depth))
}

// ObserveProbeLatency records one answered probe.
func (m *Metrics) ObserveProbeLatency(latency time.Duration) {
	if m == nil {
		return
	}
	m.probeLatency.Observe(latency.Seconds())
}

// SetQuality records the current quality level (0 best, 3 worst).
func (m *Metrics) SetQuality(level int) {
	if m == nil {
		return
	}
	m.connectionQuality.Set(float64(level))
}

// SetConsecutiveFailures records the current failure streak.
func (m *Metrics) SetConsecutiveFailures(count int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.Set(float64(count))
}

// ReconnectAttempt counts one reauthentication attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// RefreshRun counts one refresh pass.
func (m *Metrics) RefreshRun(mode string) {
	if m == nil {
		return
	}
	m.refreshRuns.WithLabelValues(mode).Inc()
}

// RefreshFailure counts one failed refresh target.
func (m *Metrics) RefreshFailure(operation string) {
	if m == nil {
		return
	}
	m.refreshFailures.WithLabelValues(operation).Inc()
}

// CountInbound counts one dispatched inbound unit.
func (m *Metrics) CountInbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

// RequestOutcome counts one finished correlated request.
func (m *Metrics) RequestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}
