// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/stanza"
)

// acceptOne listens on a random local port and returns its address
// and a channel yielding the first accepted connection.
func acceptOne(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return listener.Addr().String(), accepted
}

func TestStreamSendBeforeConnect(t *testing.T) {
	stream, err := NewStream(StreamConfig{Address: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	err = stream.Send(context.Background(), stanza.Ping("p1", ""))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestStreamRequiresAddress(t *testing.T) {
	if _, err := NewStream(StreamConfig{}); err == nil {
		t.Error("NewStream without address succeeded")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	address, accepted := acceptOne(t)
	stream, err := NewStream(StreamConfig{Address: address, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	received := make(chan stanza.Unit, 4)
	stream.Attach(func(unit stanza.Unit) { received <- unit })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Reauthenticate(ctx); err != nil {
		t.Fatalf("Reauthenticate: %v", err)
	}
	if !stream.Connected() {
		t.Fatal("Connected() = false after Reauthenticate")
	}
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for accept")
	defer server.Close()

	if err := stream.Send(ctx, stanza.Ping("p1", "example.org")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, err := stanza.NewDecoder(server).Next()
	if err != nil {
		t.Fatalf("server decoding: %v", err)
	}
	if !stanza.IsPing(sent) || sent.ID() != "p1" {
		t.Errorf("server received %s, want ping p1", sent)
	}

	inbound := stanza.ChatMessage("alice@example.org", "chat", "m1", "hello")
	if _, err := server.Write([]byte(inbound.String())); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "waiting for inbound unit")
	if got.ID() != "m1" || got.Body() != "hello" {
		t.Errorf("sink received %s, want message m1", got)
	}
}

func TestStreamPeerCloseDisconnects(t *testing.T) {
	address, accepted := acceptOne(t)
	stream, err := NewStream(StreamConfig{Address: address})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Reauthenticate(ctx); err != nil {
		t.Fatalf("Reauthenticate: %v", err)
	}
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for accept")
	server.Close()

	deadline := time.Now().Add(5 * time.Second)
	for stream.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("stream still connected after the peer closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := stream.Send(ctx, stanza.Ping("p2", "")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after peer close = %v, want ErrNotConnected", err)
	}
}

func TestStreamDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	stream, err := NewStream(StreamConfig{Address: address, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.Reauthenticate(context.Background()); err == nil {
		t.Fatal("Reauthenticate to a closed port succeeded")
	}
	if stream.Connected() {
		t.Error("Connected() = true after a failed dial")
	}
}
