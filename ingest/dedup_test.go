// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"testing"
	"time"
)

func envelopeAt(id, body string, at time.Time) Envelope {
	return Envelope{
		ID:           id,
		Conversation: "bob@example.org",
		Sender:       "bob@example.org/phone",
		Body:         body,
		Timestamp:    at,
	}
}

func TestDeduplicatorMatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dedup := NewIndexDeduplicator(1000, 800)
	dedup.Remember(envelopeAt("m1", "hello  world", base))

	tests := []struct {
		name       string
		envelope   Envelope
		wantReason DuplicateReason
		wantDup    bool
	}{
		{"same id", envelopeAt("m1", "different", base.Add(time.Hour)), DuplicateID, true},
		{"same content new id", envelopeAt("m2", "hello world", base), DuplicateSignature, true},
		{"within one second", envelopeAt("m3", " hello world ", base.Add(time.Second)), DuplicateSignature, true},
		{"just before", envelopeAt("m4", "hello world", base.Add(-999*time.Millisecond)), DuplicateSignature, true},
		{"beyond one second", envelopeAt("m5", "hello world", base.Add(1001*time.Millisecond)), "", false},
		{"different body", envelopeAt("m6", "hello there", base), "", false},
		{"other conversation same id", Envelope{ID: "m1", Conversation: "carol@example.org", Sender: "carol@example.org", Body: "x", Timestamp: base}, "", false},
		{"generated id never matches", Envelope{ID: "m1", GeneratedID: true, Conversation: "bob@example.org", Sender: "bob@example.org/phone", Body: "new", Timestamp: base}, "", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reason, duplicate := dedup.Check(test.envelope)
			if duplicate != test.wantDup || reason != test.wantReason {
				t.Errorf("Check = %q, %v; want %q, %v", reason, duplicate, test.wantReason, test.wantDup)
			}
		})
	}
}

func TestDeduplicatorEviction(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dedup := NewIndexDeduplicator(10, 8)
	for i := range 10 {
		dedup.Remember(envelopeAt(fmt.Sprintf("m%d", i), fmt.Sprintf("body %d", i), base))
	}
	if ids, signatures := dedup.Sizes(); ids != 10 || signatures != 10 {
		t.Fatalf("Sizes() = %d, %d; want 10, 10 at capacity", ids, signatures)
	}

	dedup.Remember(envelopeAt("m10", "body 10", base))
	if ids, signatures := dedup.Sizes(); ids != 8 || signatures != 8 {
		t.Fatalf("Sizes() = %d, %d; want 8, 8 after eviction", ids, signatures)
	}
	for _, evicted := range []string{"m0", "m1", "m2"} {
		if _, duplicate := dedup.Check(envelopeAt(evicted, "unrelated", base.Add(time.Hour))); duplicate {
			t.Errorf("%s still indexed after eviction", evicted)
		}
	}
	for _, kept := range []string{"m3", "m10"} {
		if _, duplicate := dedup.Check(envelopeAt(kept, "unrelated", base.Add(time.Hour))); !duplicate {
			t.Errorf("%s evicted, want kept", kept)
		}
	}
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct{ in, want string }{
		{"hello", "hello"},
		{"  hello\n\tworld  ", "hello world"},
		{"", ""},
	}
	for _, test := range tests {
		if got := NormalizeBody(test.in); got != test.want {
			t.Errorf("NormalizeBody(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}
