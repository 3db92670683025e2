// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strings"
	"testing"
)

func TestIDSourceCountsIndependently(t *testing.T) {
	first, second := IDSource("id"), IDSource("id")
	if got := first(); got != "id-1" {
		t.Errorf("first() = %q, want id-1", got)
	}
	if got := first(); got != "id-2" {
		t.Errorf("first() = %q, want id-2", got)
	}
	if got := second(); got != "id-1" {
		t.Errorf("second() = %q, want id-1", got)
	}
}

func TestUniqueIDNeverRepeats(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := UniqueID("slow")
		if !strings.HasPrefix(id, "slow-") {
			t.Fatalf("UniqueID = %q, want prefix slow-", id)
		}
		if seen[id] {
			t.Fatalf("UniqueID repeated %q", id)
		}
		seen[id] = true
	}
}
