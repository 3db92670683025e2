// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/chatsync/stanza"
)

func TestMemoryRecordsAndResponds(t *testing.T) {
	memory := NewMemory()
	var received []stanza.Unit
	memory.Attach(func(unit stanza.Unit) { received = append(received, unit) })
	memory.Respond(AnswerPings)

	ping := stanza.Ping("p1", "")
	if err := memory.Send(context.Background(), ping); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := len(memory.Sent()); got != 1 {
		t.Fatalf("Sent() has %d units, want 1", got)
	}
	if len(received) != 1 {
		t.Fatalf("sink received %d units, want 1", len(received))
	}
	if received[0].Type() != stanza.IQResult || received[0].ID() != "p1" {
		t.Errorf("reply = %s, want result for p1", received[0])
	}
}

func TestMemoryResponderOrder(t *testing.T) {
	memory := NewMemory()
	var received []string
	memory.Attach(func(unit stanza.Unit) { received = append(received, unit.ID()) })

	memory.Respond(func(sent stanza.Unit) ([]stanza.Unit, bool) {
		return []stanza.Unit{stanza.NewMessage("", "", "first")}, true
	})
	memory.Respond(func(sent stanza.Unit) ([]stanza.Unit, bool) {
		return []stanza.Unit{stanza.NewMessage("", "", "second")}, false
	})

	memory.Send(context.Background(), stanza.Available())
	if len(received) != 1 || received[0] != "first" {
		t.Errorf("received = %v, want [first] (handled stops later responders)", received)
	}
}

func TestMemoryAnswerQueries(t *testing.T) {
	memory := NewMemory()
	var received []stanza.Unit
	memory.Attach(func(unit stanza.Unit) { received = append(received, unit) })
	memory.Respond(AnswerQueries)

	memory.Send(context.Background(), stanza.RosterQuery("r1"))
	memory.Send(context.Background(), stanza.ArchiveQuery("a1", "q", "", testStart, "", 10))
	memory.Send(context.Background(), stanza.ChatMessage("bob@example.org", stanza.TypeChat, "m1", "hi"))

	if len(received) != 2 {
		t.Fatalf("received %d replies, want 2 (messages get none)", len(received))
	}
	if !stanza.ArchiveComplete(received[1]) {
		t.Errorf("archive reply %s is not a complete fin", received[1])
	}
}

func TestMemoryFailures(t *testing.T) {
	memory := NewMemory()
	sendErr := errors.New("stream closed")
	memory.FailSends(sendErr)
	if err := memory.Send(context.Background(), stanza.Available()); !errors.Is(err, sendErr) {
		t.Errorf("Send = %v, want %v", err, sendErr)
	}
	if len(memory.Sent()) != 0 {
		t.Error("failed send was recorded")
	}

	memory.FailReauthenticate(sendErr)
	if err := memory.Reauthenticate(context.Background()); !errors.Is(err, sendErr) {
		t.Errorf("Reauthenticate = %v, want %v", err, sendErr)
	}
	memory.FailReauthenticate(nil)
	if err := memory.Reauthenticate(context.Background()); err != nil {
		t.Errorf("Reauthenticate = %v, want nil", err)
	}
	if got := memory.ReauthenticateCount(); got != 2 {
		t.Errorf("ReauthenticateCount = %d, want 2", got)
	}
}

func TestMemoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemory().Send(ctx, stanza.Available()); !errors.Is(err, context.Canceled) {
		t.Errorf("Send = %v, want context.Canceled", err)
	}
}
