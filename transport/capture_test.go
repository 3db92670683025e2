// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/stanza"
)

var testStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestRecorderCaptureRoundTrip(t *testing.T) {
	for _, name := range []string{"outbound.xml", "outbound.xml.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			memory := NewMemory()
			recorder, err := NewRecorder(memory, path)
			if err != nil {
				t.Fatalf("NewRecorder: %v", err)
			}

			ctx := context.Background()
			recorder.Send(ctx, stanza.ChatMessage("bob@example.org", stanza.TypeChat, "m1", "one"))
			recorder.Send(ctx, stanza.Ping("p1", ""))
			recorder.Send(ctx, stanza.JoinRoom("room@muc.example.org", "alice", time.Time{}))
			if recorder.Written() != 3 {
				t.Errorf("Written() = %d, want 3", recorder.Written())
			}
			if err := recorder.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if len(memory.Sent()) != 3 {
				t.Errorf("inner transport saw %d units, want 3", len(memory.Sent()))
			}

			reader, err := OpenCapture(path)
			if err != nil {
				t.Fatalf("OpenCapture: %v", err)
			}
			defer reader.Close()

			var kinds []stanza.Kind
			count, err := reader.ReplayInto(ctx, func(unit stanza.Unit) { kinds = append(kinds, unit.Kind()) })
			if err != nil {
				t.Fatalf("ReplayInto: %v", err)
			}
			if count != 3 {
				t.Fatalf("replayed %d units, want 3", count)
			}
			want := []stanza.Kind{stanza.KindMessage, stanza.KindIQ, stanza.KindPresence}
			for index := range want {
				if kinds[index] != want[index] {
					t.Errorf("unit %d kind = %v, want %v", index, kinds[index], want[index])
				}
			}
		})
	}
}

func TestCaptureWrappedStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbound.xml")
	content := `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>
<message from='bob@example.org/phone' id='a'><body>hi</body></message>
<presence from='bob@example.org/phone'/>
</stream:stream>`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing capture: %v", err)
	}

	reader, err := OpenCapture(path)
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer reader.Close()

	unit, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if unit.Body() != "hi" {
		t.Errorf("Body() = %q, want hi", unit.Body())
	}
}

func TestOpenCaptureMissing(t *testing.T) {
	if _, err := OpenCapture(filepath.Join(t.TempDir(), "absent.xml")); err == nil {
		t.Error("OpenCapture on a missing file succeeded")
	}
}
