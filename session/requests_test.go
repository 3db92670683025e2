// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/stanza"
)

func newTestRequests() (*requests, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return newRequests(clk, func(peer, from string) bool { return from == peer }), clk
}

func replyFrom(from, id string) stanza.Unit {
	return stanza.Result(stanza.NewIQ(stanza.IQGet, from, id, nil))
}

func TestRequestResolvedOnce(t *testing.T) {
	r, _ := newTestRequests()
	reply := r.register("q1", "room@muc.example.org", time.Minute)

	if !r.resolve(replyFrom("room@muc.example.org", "q1")) {
		t.Fatal("resolve returned false for a pending request")
	}
	got := testutil.RequireReceive(t, reply, time.Second, "waiting for reply")
	if got.err != nil || got.unit.ID() != "q1" {
		t.Errorf("reply = (%v, %v), want unit q1", got.unit, got.err)
	}
	if r.resolve(replyFrom("room@muc.example.org", "q1")) {
		t.Error("second resolve matched an already answered request")
	}
	if n := r.outstanding(); n != 0 {
		t.Errorf("outstanding = %d, want 0", n)
	}
}

func TestRequestRejectsForeignReply(t *testing.T) {
	r, _ := newTestRequests()
	reply := r.register("q1", "room@muc.example.org", time.Minute)

	if r.resolve(replyFrom("mallory@example.net", "q1")) {
		t.Fatal("reply from another address resolved the request")
	}
	select {
	case got := <-reply:
		t.Fatalf("unexpected reply %v", got)
	default:
	}
	if !r.resolve(replyFrom("room@muc.example.org", "q1")) {
		t.Error("genuine reply after a forged one did not resolve")
	}
}

func TestRequestTimesOut(t *testing.T) {
	r, clk := newTestRequests()
	reply := r.register("q1", "", 30*time.Second)

	clk.Advance(29 * time.Second)
	select {
	case got := <-reply:
		t.Fatalf("reply before the deadline: %v", got)
	default:
	}
	clk.Advance(time.Second)
	got := testutil.RequireReceive(t, reply, time.Second, "waiting for timeout")
	if !errors.Is(got.err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", got.err)
	}
	// A late reply is not correlated.
	if r.resolve(replyFrom("", "q1")) {
		t.Error("late reply resolved a timed-out request")
	}
}

func TestRequestCancelStopsTimer(t *testing.T) {
	r, clk := newTestRequests()
	reply := r.register("q1", "", 30*time.Second)
	r.cancel("q1")

	clk.Advance(time.Minute)
	select {
	case got := <-reply:
		t.Fatalf("cancelled request delivered %v", got)
	default:
	}
	if n := clk.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestRequestCloseAllFailsPending(t *testing.T) {
	r, _ := newTestRequests()
	first := r.register("q1", "", time.Minute)
	second := r.register("q2", "", time.Minute)

	r.closeAll(ErrClosed)
	for _, reply := range []<-chan response{first, second} {
		got := testutil.RequireReceive(t, reply, time.Second, "waiting for close")
		if !errors.Is(got.err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", got.err)
		}
	}
}
