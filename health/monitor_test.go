// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/stanza"
	"github.com/bureau-foundation/chatsync/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type monitorHarness struct {
	monitor     *Monitor
	clock       *clock.FakeClock
	transport   *transport.Memory
	unhealthy   int
	reconnected int
}

func newHarness(t *testing.T) *monitorHarness {
	t.Helper()
	harness := &monitorHarness{clock: clock.Fake(epoch), transport: transport.NewMemory()}
	counter := 0
	monitor, err := NewMonitor(Config{
		Transport: harness.transport,
		Clock:     harness.clock,
		NewCorrelationID: func() string {
			counter++
			return fmt.Sprintf("probe-%d", counter)
		},
		OnUnhealthy:   func() { harness.unhealthy++ },
		OnReconnected: func() { harness.reconnected++ },
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	harness.monitor = monitor
	t.Cleanup(monitor.Stop)
	return harness
}

// lastProbe returns the correlation id of the most recent probe sent.
func (h *monitorHarness) lastProbe(t *testing.T) string {
	t.Helper()
	pings := h.transport.SentMatching(stanza.IsPing)
	if len(pings) == 0 {
		t.Fatal("no probe has been sent")
	}
	return pings[len(pings)-1].ID()
}

func (h *monitorHarness) probeCount() int {
	return len(h.transport.SentMatching(stanza.IsPing))
}

// failProbe advances through the deadline of the outstanding probe.
func (h *monitorHarness) failProbe() {
	h.clock.Advance(30 * time.Second)
}

func TestQualityForLatency(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    Quality
	}{
		{0, Excellent},
		{150 * time.Millisecond, Excellent},
		{199 * time.Millisecond, Excellent},
		{200 * time.Millisecond, Good},
		{500 * time.Millisecond, Good},
		{999 * time.Millisecond, Good},
		{time.Second, Poor},
		{2000 * time.Millisecond, Poor},
		{3000 * time.Millisecond, Unstable},
		{5000 * time.Millisecond, Unstable},
	}
	for _, test := range tests {
		if got := QualityForLatency(test.latency); got != test.want {
			t.Errorf("QualityForLatency(%s) = %s, want %s", test.latency, got, test.want)
		}
	}
}

func TestQualityDegraded(t *testing.T) {
	for quality, want := range map[Quality]bool{Excellent: false, Good: false, Poor: true, Unstable: true} {
		if got := quality.Degraded(); got != want {
			t.Errorf("%s.Degraded() = %v, want %v", quality, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		exponent int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, test := range tests {
		if got := backoff(time.Second, 10*time.Second, test.exponent); got != test.want {
			t.Errorf("backoff(1s, 10s, %d) = %s, want %s", test.exponent, got, test.want)
		}
	}
}

func TestProbeScheduleAndResponse(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())

	h.clock.Advance(119 * time.Second)
	if h.probeCount() != 0 {
		t.Fatalf("probe sent before the interval elapsed")
	}
	h.clock.Advance(time.Second)
	if h.probeCount() != 1 {
		t.Fatalf("probeCount = %d after 120s, want 1", h.probeCount())
	}

	id := h.lastProbe(t)
	h.clock.Advance(500 * time.Millisecond)
	if !h.monitor.OnProbeResponse(id) {
		t.Fatal("OnProbeResponse returned false for the outstanding probe")
	}
	if h.monitor.OnProbeResponse(id) {
		t.Error("OnProbeResponse accepted a duplicate response")
	}

	snapshot := h.monitor.Snapshot()
	if snapshot.Quality != Good {
		t.Errorf("Quality = %s, want good", snapshot.Quality)
	}
	if snapshot.LastLatency != 500*time.Millisecond {
		t.Errorf("LastLatency = %s, want 500ms", snapshot.LastLatency)
	}

	// The next probe follows one interval after the response.
	h.clock.Advance(120 * time.Second)
	if h.probeCount() != 2 {
		t.Errorf("probeCount = %d, want 2", h.probeCount())
	}
}

func TestThreeTimeoutsMarkUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.transport.FailReauthenticate(errors.New("still down"))
	h.monitor.Start(context.Background())

	h.clock.Advance(120 * time.Second)
	h.failProbe()
	if snapshot := h.monitor.Snapshot(); !snapshot.Healthy || snapshot.ConsecutiveFailures != 1 {
		t.Fatalf("after 1 timeout: healthy=%v failures=%d, want true/1", snapshot.Healthy, snapshot.ConsecutiveFailures)
	}
	if h.monitor.Quality() != Unstable {
		t.Errorf("Quality after a timeout = %s, want unstable", h.monitor.Quality())
	}

	// Retry after 1s.
	h.clock.Advance(time.Second)
	if h.probeCount() != 2 {
		t.Fatalf("probeCount = %d after first retry delay, want 2", h.probeCount())
	}
	h.failProbe()
	if !h.monitor.Healthy() {
		t.Fatal("unhealthy after only 2 timeouts")
	}

	// Retry after 2s.
	h.clock.Advance(2 * time.Second)
	if h.probeCount() != 3 {
		t.Fatalf("probeCount = %d after second retry delay, want 3", h.probeCount())
	}
	h.failProbe()

	if h.monitor.Healthy() {
		t.Fatal("still healthy after 3 consecutive timeouts")
	}
	if h.unhealthy != 1 {
		t.Errorf("OnUnhealthy called %d times, want 1", h.unhealthy)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())

	h.clock.Advance(120 * time.Second)
	h.failProbe()
	h.clock.Advance(time.Second)
	h.failProbe()
	if got := h.monitor.Snapshot().ConsecutiveFailures; got != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", got)
	}

	h.clock.Advance(2 * time.Second)
	h.clock.Advance(100 * time.Millisecond)
	h.monitor.OnProbeResponse(h.lastProbe(t))

	snapshot := h.monitor.Snapshot()
	if snapshot.ConsecutiveFailures != 0 || !snapshot.Healthy || snapshot.Quality != Excellent {
		t.Errorf("after success: failures=%d healthy=%v quality=%s, want 0/true/excellent",
			snapshot.ConsecutiveFailures, snapshot.Healthy, snapshot.Quality)
	}

	// Two more timeouts do not reach the threshold again.
	h.clock.Advance(120 * time.Second)
	h.failProbe()
	h.clock.Advance(time.Second)
	h.failProbe()
	if !h.monitor.Healthy() {
		t.Error("unhealthy after a reset streak of 2")
	}
}

func driveUnhealthy(t *testing.T, h *monitorHarness) {
	t.Helper()
	h.clock.Advance(120 * time.Second)
	h.failProbe()
	h.clock.Advance(time.Second)
	h.failProbe()
	h.clock.Advance(2 * time.Second)
	h.failProbe()
	if h.monitor.Healthy() {
		t.Fatal("monitor did not become unhealthy")
	}
}

func TestReconnectLoopBacksOff(t *testing.T) {
	h := newHarness(t)
	h.transport.FailReauthenticate(errors.New("connection refused"))
	h.monitor.Start(context.Background())
	driveUnhealthy(t, h)

	// Attempts at +1s, +2s, +4s, +8s after each failure.
	for attempt, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		h.clock.Advance(delay - time.Millisecond)
		if got := h.transport.ReauthenticateCount(); got != attempt {
			t.Fatalf("attempt %d fired early: count = %d", attempt+1, got)
		}
		h.clock.Advance(time.Millisecond)
		if got := h.transport.ReauthenticateCount(); got != attempt+1 {
			t.Fatalf("after %s: ReauthenticateCount = %d, want %d", delay, got, attempt+1)
		}
	}
	if got := h.monitor.Snapshot().ReconnectAttempts; got != 4 {
		t.Errorf("ReconnectAttempts = %d, want 4", got)
	}

	// The delay caps at 60s and the loop never gives up.
	h.clock.Advance(10 * time.Minute)
	before := h.transport.ReauthenticateCount()
	h.clock.Advance(60 * time.Second)
	if got := h.transport.ReauthenticateCount(); got != before+1 {
		t.Errorf("capped loop made %d attempts in 60s, want 1", got-before)
	}

	h.transport.FailReauthenticate(nil)
	h.clock.Advance(60 * time.Second)
	snapshot := h.monitor.Snapshot()
	if !snapshot.Healthy || snapshot.Quality != Excellent || snapshot.ReconnectAttempts != 0 {
		t.Errorf("after reconnect: %+v, want healthy, excellent, 0 attempts", snapshot)
	}
	if h.reconnected != 1 {
		t.Errorf("OnReconnected called %d times, want 1", h.reconnected)
	}

	// Probing resumes.
	probes := h.probeCount()
	h.clock.Advance(120 * time.Second)
	if h.probeCount() != probes+1 {
		t.Error("probing did not resume after reconnect")
	}
}

func TestIntentionalDisconnectSuppressesRecovery(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())

	h.clock.Advance(120 * time.Second)
	h.failProbe()
	h.clock.Advance(time.Second)
	h.failProbe()
	h.monitor.Disconnect()

	h.clock.Advance(time.Hour)
	if h.probeCount() != 2 {
		t.Errorf("probes sent after intentional disconnect: %d total, want 2", h.probeCount())
	}
	if h.transport.ReauthenticateCount() != 0 {
		t.Error("reauthenticated after intentional disconnect")
	}
	if h.unhealthy != 0 {
		t.Error("OnUnhealthy called after intentional disconnect")
	}
	if !h.monitor.Snapshot().IntentionalDisconnect {
		t.Error("IntentionalDisconnect flag not set")
	}
}

func TestDisconnectStopsReconnectLoop(t *testing.T) {
	h := newHarness(t)
	h.transport.FailReauthenticate(errors.New("down"))
	h.monitor.Start(context.Background())
	driveUnhealthy(t, h)

	h.clock.Advance(time.Second)
	if h.transport.ReauthenticateCount() != 1 {
		t.Fatalf("ReauthenticateCount = %d, want 1", h.transport.ReauthenticateCount())
	}
	h.monitor.Disconnect()
	h.clock.Advance(time.Hour)
	if h.transport.ReauthenticateCount() != 1 {
		t.Errorf("reconnect loop continued after Disconnect: %d attempts", h.transport.ReauthenticateCount())
	}
}

func TestManualReconnectResetsRecord(t *testing.T) {
	h := newHarness(t)
	h.transport.FailReauthenticate(errors.New("down"))
	h.monitor.Start(context.Background())
	driveUnhealthy(t, h)
	h.clock.Advance(time.Second)

	h.transport.FailReauthenticate(nil)
	if err := h.monitor.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	snapshot := h.monitor.Snapshot()
	if !snapshot.Healthy || snapshot.Quality != Excellent || snapshot.ConsecutiveFailures != 0 ||
		snapshot.ReconnectAttempts != 0 || len(snapshot.History) != 0 {
		t.Errorf("record after manual reconnect = %+v, want optimistic initial state", snapshot)
	}
	if h.transport.ReauthenticateCount() != 2 {
		t.Errorf("ReauthenticateCount = %d, want 2", h.transport.ReauthenticateCount())
	}
	if h.reconnected != 1 {
		t.Errorf("OnReconnected called %d times, want 1", h.reconnected)
	}

	// The old loop is gone: no further reauthentication.
	h.clock.Advance(100 * time.Second)
	if h.transport.ReauthenticateCount() != 2 {
		t.Errorf("stale reconnect loop fired: count = %d", h.transport.ReauthenticateCount())
	}
}

func TestManualReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())
	h.monitor.Disconnect()

	if err := h.monitor.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if h.monitor.Snapshot().IntentionalDisconnect {
		t.Error("manual reconnect did not clear the intentional disconnect flag")
	}
	h.clock.Advance(120 * time.Second)
	if h.probeCount() != 1 {
		t.Errorf("probeCount = %d after manual reconnect, want 1", h.probeCount())
	}
}

func TestManualReconnectFailureStartsLoop(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())
	h.transport.FailReauthenticate(errors.New("refused"))

	if err := h.monitor.Reconnect(context.Background()); err == nil {
		t.Fatal("Reconnect succeeded with a failing transport")
	}
	if h.monitor.Healthy() {
		t.Error("healthy after failed manual reconnect")
	}
	h.clock.Advance(time.Second)
	if h.transport.ReauthenticateCount() != 2 {
		t.Errorf("reconnect loop did not start: count = %d", h.transport.ReauthenticateCount())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())

	for range 12 {
		h.clock.Advance(120 * time.Second)
		h.monitor.OnProbeResponse(h.lastProbe(t))
	}

	history := h.monitor.Snapshot().History
	if len(history) != 10 {
		t.Fatalf("len(History) = %d, want 10", len(history))
	}
	if history[0].CorrelationID != "probe-3" {
		t.Errorf("oldest retained = %s, want probe-3", history[0].CorrelationID)
	}
}

func TestSubscribersSeeChangesOnly(t *testing.T) {
	h := newHarness(t)
	var seen []Quality
	h.monitor.Subscribe(func(quality Quality) { seen = append(seen, quality) })
	h.monitor.Start(context.Background())

	h.clock.Advance(120 * time.Second)
	h.clock.Advance(500 * time.Millisecond)
	h.monitor.OnProbeResponse(h.lastProbe(t))

	h.clock.Advance(120 * time.Second)
	h.clock.Advance(600 * time.Millisecond)
	h.monitor.OnProbeResponse(h.lastProbe(t))

	h.clock.Advance(120 * time.Second)
	h.failProbe()

	want := []Quality{Good, Unstable}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for index := range want {
		if seen[index] != want[index] {
			t.Errorf("notification %d = %s, want %s", index, seen[index], want[index])
		}
	}
}

func TestSendFailureCountsAsTimeout(t *testing.T) {
	h := newHarness(t)
	h.transport.FailSends(errors.New("broken pipe"))
	h.monitor.Start(context.Background())

	h.clock.Advance(120 * time.Second)
	if got := h.monitor.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestRequestTimeoutMarksUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.transport.FailReauthenticate(errors.New("down"))
	h.monitor.Start(context.Background())

	if !h.monitor.OnRequestTimeout("archive") {
		t.Fatal("OnRequestTimeout = false on a healthy running monitor")
	}
	snapshot := h.monitor.Snapshot()
	if snapshot.Healthy || snapshot.Quality != Unstable || snapshot.ConsecutiveFailures != 1 {
		t.Errorf("after request timeout: healthy=%v quality=%s failures=%d, want false/unstable/1",
			snapshot.Healthy, snapshot.Quality, snapshot.ConsecutiveFailures)
	}
	if h.unhealthy != 1 {
		t.Errorf("OnUnhealthy called %d times, want 1", h.unhealthy)
	}
	if h.monitor.OnRequestTimeout("archive") {
		t.Error("second OnRequestTimeout escalated an already unhealthy monitor")
	}

	h.clock.Advance(time.Second)
	if h.transport.ReauthenticateCount() != 1 {
		t.Errorf("ReauthenticateCount = %d after escalation, want 1", h.transport.ReauthenticateCount())
	}
}

func TestRequestTimeoutAfterDisconnectIgnored(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start(context.Background())
	h.monitor.Disconnect()

	if h.monitor.OnRequestTimeout("roster") {
		t.Error("OnRequestTimeout escalated after an intentional disconnect")
	}
	if snapshot := h.monitor.Snapshot(); !snapshot.Healthy || snapshot.ConsecutiveFailures != 0 {
		t.Errorf("record changed after disconnect: healthy=%v failures=%d", snapshot.Healthy, snapshot.ConsecutiveFailures)
	}
	if h.unhealthy != 0 {
		t.Error("OnUnhealthy called after intentional disconnect")
	}
}

func TestRetryDelayDoublesToCap(t *testing.T) {
	h := newHarness(t)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for index, delay := range want {
		if got := h.monitor.RetryDelay(index + 1); got != delay {
			t.Errorf("RetryDelay(%d) = %s, want %s", index+1, got, delay)
		}
	}
}

func TestNewMonitorRequiresTransport(t *testing.T) {
	if _, err := NewMonitor(Config{}); err == nil {
		t.Error("NewMonitor without a transport succeeded")
	}
}
