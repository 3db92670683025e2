// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/stanza"
	"github.com/bureau-foundation/chatsync/transport"
)

// Config wires a Monitor to its collaborators.
type Config struct {
	// Timing holds intervals, deadlines, and backoff bounds. The zero
	// value means config.Default().Health.
	Timing config.HealthConfig

	// Transport sends probes and performs reauthentication. Required.
	Transport transport.Transport

	// Clock drives every timer. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives lifecycle and failure messages. Nil discards.
	Logger *slog.Logger

	// Metrics records probe latency and failure counts. May be nil.
	Metrics *metrics.Metrics

	// NewCorrelationID generates probe ids. Nil means uuid.NewString.
	NewCorrelationID func() string

	// OnUnhealthy is called once each time the session is marked
	// unhealthy, before the reconnect loop starts. May be nil.
	OnUnhealthy func()

	// OnReconnected is called after the reconnect loop or a manual
	// reconnect reauthenticates successfully. May be nil.
	OnReconnected func()
}

// Ping is one probe outcome.
type Ping struct {
	CorrelationID string        `json:"correlation_id"`
	SentAt        time.Time     `json:"sent_at"`
	Latency       time.Duration `json:"latency"`
	TimedOut      bool          `json:"timed_out"`
}

// Record is a snapshot of the connection health.
type Record struct {
	Healthy               bool          `json:"healthy"`
	ConsecutiveFailures   int           `json:"consecutive_failures"`
	Quality               Quality       `json:"quality"`
	LastLatency           time.Duration `json:"last_latency"`
	History               []Ping        `json:"history"`
	ReconnectAttempts     int           `json:"reconnect_attempts"`
	IntentionalDisconnect bool          `json:"intentional_disconnect"`
}

// optimistic is the record a fresh or manually reconnected session
// starts from.
func optimistic() Record {
	return Record{Healthy: true, Quality: Excellent}
}

type outstandingProbe struct {
	sentAt   time.Time
	deadline *clock.Timer
}

// Monitor issues liveness probes, grades the link, and drives
// reconnection when probes keep failing.
type Monitor struct {
	timing        config.HealthConfig
	transport     transport.Transport
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
	newID         func() string
	onUnhealthy   func()
	onReconnected func()

	mu          sync.Mutex
	record      Record
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	outstanding map[string]*outstandingProbe
	// probeTimer is the next scheduled probe or retry.
	probeTimer     *clock.Timer
	reconnectTimer *clock.Timer
	subscribers    []func(Quality)
}

// NewMonitor returns a stopped Monitor with an optimistic record.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("health: transport is required")
	}
	if cfg.Timing == (config.HealthConfig{}) {
		cfg.Timing = config.Default().Health
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = uuid.NewString
	}
	return &Monitor{
		timing:        cfg.Timing,
		transport:     cfg.Transport,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		newID:         cfg.NewCorrelationID,
		onUnhealthy:   cfg.OnUnhealthy,
		onReconnected: cfg.OnReconnected,
		record:        optimistic(),
		outstanding:   make(map[string]*outstandingProbe),
	}, nil
}

// Start begins probing every ProbeInterval. The first probe goes out
// one interval after Start. Starting clears the intentional-disconnect
// flag. Calling Start on a running Monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.record.IntentionalDisconnect = false
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.scheduleProbeLocked(m.timing.ProbeInterval)
	m.logger.Info("health monitor started", "probe_interval", m.timing.ProbeInterval)
}

// Stop cancels every timer and forgets outstanding probes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.running = false
	m.stopProbingLocked()
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
}

func (m *Monitor) stopProbingLocked() {
	m.probeTimer.Stop()
	m.probeTimer = nil
	for id, probe := range m.outstanding {
		probe.deadline.Stop()
		delete(m.outstanding, id)
	}
}

// Disconnect records an intentional disconnect and stops. No recovery
// runs until the next Start or Reconnect.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record.IntentionalDisconnect = true
	m.stopLocked()
	m.logger.Info("health monitor stopped by intentional disconnect")
}

// Quality returns the current link grade. This is the single read
// point other components use.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Quality
}

// Healthy reports whether the session is considered alive.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Healthy
}

// Snapshot returns a copy of the health record.
func (m *Monitor) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.record
	snapshot.History = slices.Clone(m.record.History)
	return snapshot
}

// Subscribe registers fn to be called with each new quality after it
// changes. Callbacks run on the goroutine that observed the change,
// outside the Monitor's lock.
func (m *Monitor) Subscribe(fn func(Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// scheduleProbeLocked replaces any pending probe with one after delay.
func (m *Monitor) scheduleProbeLocked(delay time.Duration) {
	m.probeTimer.Stop()
	m.probeTimer = m.clock.AfterFunc(delay, m.sendProbe)
}

func (m *Monitor) sendProbe() {
	m.mu.Lock()
	if !m.running || !m.record.Healthy {
		m.mu.Unlock()
		return
	}
	m.probeTimer = nil
	id := m.newID()
	probe := &outstandingProbe{sentAt: m.clock.Now()}
	probe.deadline = m.clock.AfterFunc(m.timing.ProbeTimeout, func() { m.onProbeTimeout(id) })
	m.outstanding[id] = probe
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.transport.Send(ctx, stanza.Ping(id, "")); err != nil {
		m.logger.Warn("liveness probe send failed", "correlation_id", id, "error", err)
		m.onProbeTimeout(id)
	}
}

// OnProbeResponse resolves the probe with correlationID. It returns
// false if no such probe is outstanding (late, duplicate, or foreign).
func (m *Monitor) OnProbeResponse(correlationID string) bool {
	m.mu.Lock()
	probe, ok := m.outstanding[correlationID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.outstanding, correlationID)
	probe.deadline.Stop()

	latency := m.clock.Now().Sub(probe.sentAt)
	previous := m.record.Quality
	quality := QualityForLatency(latency)

	m.record.Quality = quality
	m.record.LastLatency = latency
	m.record.ConsecutiveFailures = 0
	m.record.Healthy = true
	m.appendHistoryLocked(Ping{CorrelationID: correlationID, SentAt: probe.sentAt, Latency: latency})
	if m.running {
		m.scheduleProbeLocked(m.timing.ProbeInterval)
	}
	subscribers := m.changedSubscribersLocked(previous)
	m.mu.Unlock()

	m.metrics.ObserveProbeLatency(latency)
	m.metrics.SetConsecutiveFailures(0)
	m.metrics.SetQuality(int(quality))
	m.logger.Debug("liveness probe answered", "correlation_id", correlationID, "latency", latency, "quality", quality)
	notify(subscribers, quality)
	return true
}

// OnProbeTimeout is exported for callers that detect a probe failure
// out of band; the Monitor calls it itself when the deadline passes.
func (m *Monitor) OnProbeTimeout(correlationID string) {
	m.onProbeTimeout(correlationID)
}

func (m *Monitor) onProbeTimeout(correlationID string) {
	m.mu.Lock()
	probe, ok := m.outstanding[correlationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.outstanding, correlationID)
	probe.deadline.Stop()

	previous := m.record.Quality
	m.record.ConsecutiveFailures++
	m.record.Quality = Unstable
	m.appendHistoryLocked(Ping{CorrelationID: correlationID, SentAt: probe.sentAt, TimedOut: true})
	failures := m.record.ConsecutiveFailures
	subscribers := m.changedSubscribersLocked(previous)

	var unhealthy bool
	if failures < m.timing.FailureThreshold {
		retry := m.RetryDelay(failures)
		if m.running {
			m.scheduleProbeLocked(retry)
		}
		m.logger.Warn("liveness probe timed out, retrying",
			"correlation_id", correlationID, "consecutive_failures", failures, "retry_in", retry)
	} else {
		unhealthy = m.markUnhealthyLocked()
	}
	onUnhealthy := m.onUnhealthy
	m.mu.Unlock()

	m.metrics.SetConsecutiveFailures(failures)
	m.metrics.SetQuality(int(Unstable))
	notify(subscribers, Unstable)
	if unhealthy && onUnhealthy != nil {
		onUnhealthy()
	}
}

// RetryDelay is RetryBase doubled per prior failure, capped at
// RetryCap. Correlated requests use the same schedule between their
// retries.
func (m *Monitor) RetryDelay(failures int) time.Duration {
	return backoff(m.timing.RetryBase, m.timing.RetryCap, failures-1)
}

func backoff(base, limit time.Duration, exponent int) time.Duration {
	delay := base
	for range exponent {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}

// OnRequestTimeout records a correlated request that went unanswered
// through every retry. It counts as a transport failure: the link is
// graded unstable and the session is marked unhealthy, which starts
// the reconnect loop. It returns false without effect when the
// Monitor is stopped, already unhealthy, or disconnected on purpose.
func (m *Monitor) OnRequestTimeout(operation string) bool {
	m.mu.Lock()
	if m.record.IntentionalDisconnect || !m.running || !m.record.Healthy {
		m.mu.Unlock()
		return false
	}
	previous := m.record.Quality
	m.record.ConsecutiveFailures++
	m.record.Quality = Unstable
	failures := m.record.ConsecutiveFailures
	subscribers := m.changedSubscribersLocked(previous)
	m.logger.Warn("request retries exhausted", "operation", operation)
	unhealthy := m.markUnhealthyLocked()
	onUnhealthy := m.onUnhealthy
	m.mu.Unlock()

	m.metrics.SetConsecutiveFailures(failures)
	m.metrics.SetQuality(int(Unstable))
	notify(subscribers, Unstable)
	if unhealthy && onUnhealthy != nil {
		onUnhealthy()
	}
	return unhealthy
}

// markUnhealthyLocked flips the record to unhealthy and starts the
// reconnect loop. Returns false without effect after an intentional
// disconnect.
func (m *Monitor) markUnhealthyLocked() bool {
	if m.record.IntentionalDisconnect || !m.running {
		return false
	}
	m.record.Healthy = false
	m.stopProbingLocked()
	m.logger.Warn("session marked unhealthy",
		"consecutive_failures", m.record.ConsecutiveFailures,
		"reconnect_in", m.timing.ReconnectBase)
	m.scheduleReconnectLocked()
	return true
}

func (m *Monitor) scheduleReconnectLocked() {
	delay := backoff(m.timing.ReconnectBase, m.timing.ReconnectCap, m.record.ReconnectAttempts)
	m.reconnectTimer.Stop()
	m.reconnectTimer = m.clock.AfterFunc(delay, m.attemptReconnect)
}

func (m *Monitor) attemptReconnect() {
	m.mu.Lock()
	if m.record.IntentionalDisconnect || !m.running || m.record.Healthy {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.record.ReconnectAttempts++
	attempt := m.record.ReconnectAttempts
	ctx := m.ctx
	m.mu.Unlock()

	m.metrics.ReconnectAttempt()
	err := m.transport.Reauthenticate(ctx)

	m.mu.Lock()
	if m.record.IntentionalDisconnect || !m.running {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		return
	}
	previous := m.record.Quality
	m.resetLocked()
	subscribers := m.changedSubscribersLocked(previous)
	onReconnected := m.onReconnected
	m.mu.Unlock()

	m.logger.Info("reconnected", "attempts", attempt)
	m.metrics.SetConsecutiveFailures(0)
	m.metrics.SetQuality(int(Excellent))
	notify(subscribers, Excellent)
	if onReconnected != nil {
		onReconnected()
	}
}

// resetLocked restores the optimistic record and resumes probing.
func (m *Monitor) resetLocked() {
	m.stopProbingLocked()
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	m.record = optimistic()
	m.scheduleProbeLocked(m.timing.ProbeInterval)
}

// Reconnect is the manual recovery entry point: it resets the health
// record to its optimistic initial state and reauthenticates. On
// failure the record is marked unhealthy and the reconnect loop takes
// over; the error is still returned to the caller.
func (m *Monitor) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.running = true
		m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	previous := m.record.Quality
	m.resetLocked()
	subscribers := m.changedSubscribersLocked(previous)
	m.mu.Unlock()
	notify(subscribers, Excellent)

	m.logger.Info("manual reconnect requested")
	if err := m.transport.Reauthenticate(ctx); err != nil {
		m.mu.Lock()
		unhealthy := m.markUnhealthyLocked()
		onUnhealthy := m.onUnhealthy
		m.mu.Unlock()
		if unhealthy && onUnhealthy != nil {
			onUnhealthy()
		}
		return fmt.Errorf("health: reauthenticate: %w", err)
	}

	m.mu.Lock()
	onReconnected := m.onReconnected
	m.mu.Unlock()
	if onReconnected != nil {
		onReconnected()
	}
	return nil
}

func (m *Monitor) appendHistoryLocked(ping Ping) {
	m.record.History = append(m.record.History, ping)
	if overflow := len(m.record.History) - m.timing.HistorySize; overflow > 0 {
		m.record.History = append([]Ping(nil), m.record.History[overflow:]...)
	}
}

// changedSubscribersLocked returns the subscribers to notify if the
// quality differs from previous, or nil.
func (m *Monitor) changedSubscribersLocked(previous Quality) []func(Quality) {
	if m.record.Quality == previous {
		return nil
	}
	return slices.Clone(m.subscribers)
}

func notify(subscribers []func(Quality), quality Quality) {
	for _, subscriber := range subscribers {
		subscriber(quality)
	}
}
