// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package address_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bureau-foundation/chatsync/lib/address"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantBare     string
		wantResource string
		wantErr      bool
	}{
		{name: "bare", raw: "alice@example.org", wantBare: "alice@example.org"},
		{name: "full", raw: "alice@example.org/phone", wantBare: "alice@example.org", wantResource: "phone"},
		{name: "domain-only", raw: "example.org", wantBare: "example.org"},
		{name: "room-occupant-with-space", raw: "lobby@conference.example.org/Alice Smith", wantBare: "lobby@conference.example.org", wantResource: "Alice Smith"},
		{name: "resource-with-slash", raw: "alice@example.org/a/b", wantBare: "alice@example.org", wantResource: "a/b"},
		{name: "case-folded", raw: "Alice@Example.ORG/Phone", wantBare: "alice@example.org", wantResource: "Phone"},
		{name: "empty", raw: "", wantErr: true},
		{name: "empty-local", raw: "@example.org", wantErr: true},
		{name: "empty-domain", raw: "alice@", wantErr: true},
		{name: "empty-resource", raw: "alice@example.org/", wantErr: true},
		{name: "space-in-local", raw: "al ice@example.org", wantErr: true},
		{name: "quote-in-local", raw: "al'ice@example.org", wantErr: true},
		{name: "double-at", raw: "a@b@example.org", wantErr: true},
		{name: "trailing-space-resource", raw: "alice@example.org/phone ", wantErr: true},
		{name: "too-long-local", raw: strings.Repeat("a", 1024) + "@example.org", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := address.Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %v, want error", tt.raw, parsed)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if got := parsed.BareString(); got != tt.wantBare {
				t.Errorf("BareString() = %q, want %q", got, tt.wantBare)
			}
			if got := parsed.Resource(); got != tt.wantResource {
				t.Errorf("Resource() = %q, want %q", got, tt.wantResource)
			}
			if parsed.IsZero() {
				t.Error("IsZero() = true for a parsed address")
			}
		})
	}
}

func TestBareAndFullForms(t *testing.T) {
	full := address.MustParse("alice@example.org/laptop")
	if full.IsBare() {
		t.Error("full address reports IsBare")
	}
	bare := full.Bare()
	if !bare.IsBare() {
		t.Error("Bare() still carries a resource")
	}
	if !full.BareEqual(address.MustParse("alice@example.org/phone")) {
		t.Error("BareEqual should ignore resources")
	}
	if full.Equal(address.MustParse("alice@example.org/phone")) {
		t.Error("Equal should compare resources")
	}

	withNick, err := bare.WithResource("Alice")
	if err != nil {
		t.Fatalf("WithResource: %v", err)
	}
	if got, want := withNick.String(), "alice@example.org/Alice"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestBareOfFallsBackOnUnparseableInput(t *testing.T) {
	if got, want := address.BareOf("Bob@Example.org/res"), "bob@example.org"; got != want {
		t.Errorf("BareOf = %q, want %q", got, want)
	}
	if got, want := address.BareOf("not an address/res"), "not an address"; got != want {
		t.Errorf("BareOf(unparseable) = %q, want %q", got, want)
	}
	if got, want := address.ResourceOf("room@muc.example.org/nick"), "nick"; got != want {
		t.Errorf("ResourceOf = %q, want %q", got, want)
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	type record struct {
		Who address.Address `json:"who"`
	}
	data, err := json.Marshal(record{Who: address.MustParse("alice@example.org/phone")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"who":"alice@example.org/phone"}` {
		t.Fatalf("Marshal = %s", data)
	}

	var decoded record
	if err := json.Unmarshal([]byte(`{"who":"bad address@x"}`), &decoded); err == nil {
		t.Error("Unmarshal accepted an invalid address")
	}
}
