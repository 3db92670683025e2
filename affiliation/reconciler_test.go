// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package affiliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
	"github.com/bureau-foundation/chatsync/stanza"
)

const room = "team@muc.example.org"

type reconcilerHarness struct {
	reconciler *Reconciler
	store      kvstore.Store
	items      map[string][]stanza.RoomItem
	queryErr   error
	queries    int
	changes    []string
}

func newReconcilerHarness(t *testing.T, local string, store kvstore.Store) *reconcilerHarness {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemory()
	}
	h := &reconcilerHarness{store: store, items: make(map[string][]stanza.RoomItem)}
	reconciler, err := New(Config{
		Local:     address.MustParse(local),
		LocalNick: func(string) string { return "ally" },
		Store:     store,
		Query: func(ctx context.Context, room string) ([]stanza.RoomItem, error) {
			h.queries++
			if h.queryErr != nil {
				return nil, h.queryErr
			}
			return h.items[room], nil
		},
		OnChange: func(room string) { h.changes = append(h.changes, room) },
		Clock:    clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.reconciler = reconciler
	return h
}

func (h *reconcilerHarness) owner(t *testing.T) (bool, Source) {
	t.Helper()
	owner, source, err := h.reconciler.Owner(context.Background(), room)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	return owner, source
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Query: func(context.Context, string) ([]stanza.RoomItem, error) { return nil, nil }}); err == nil {
		t.Error("New without a local address succeeded")
	}
	if _, err := New(Config{Local: address.MustParse("alice@example.org")}); err == nil {
		t.Error("New without a query function succeeded")
	}
}

func TestFetchReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org/laptop", nil)
	h.items[room] = []stanza.RoomItem{
		{Address: "carol@example.org", Affiliation: stanza.AffiliationMember},
		{Address: "bob@example.org/phone", Affiliation: stanza.AffiliationMember},
		{Address: "bob@example.org", Affiliation: stanza.AffiliationAdmin},
		{Address: "alice@example.org", Affiliation: stanza.AffiliationOwner},
	}
	members, err := h.reconciler.FetchAffiliations(ctx, room)
	if err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	want := []Member{
		{Address: "alice@example.org", Affiliation: stanza.AffiliationOwner},
		{Address: "bob@example.org", Affiliation: stanza.AffiliationAdmin},
		{Address: "carol@example.org", Affiliation: stanza.AffiliationMember},
	}
	if diff := cmp.Diff(want, members); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}

	// carol left the member list; the next fetch must not keep her.
	h.items[room] = []stanza.RoomItem{{Address: "alice@example.org", Affiliation: stanza.AffiliationOwner}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	if diff := cmp.Diff(want[:1], h.reconciler.Members(room)); diff != "" {
		t.Errorf("members after refetch mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchFailureKeepsPreviousSet(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	h.items[room] = []stanza.RoomItem{{Address: "bob@example.org", Affiliation: stanza.AffiliationMember}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}

	h.queryErr = errors.New("timeout")
	if _, err := h.reconciler.FetchAffiliations(ctx, room); !errors.Is(err, h.queryErr) {
		t.Fatalf("FetchAffiliations error = %v, want wrapped query error", err)
	}
	if got := len(h.reconciler.Members(room)); got != 1 {
		t.Errorf("members after failed fetch = %d, want 1", got)
	}
}

func TestOwnershipPrecedence(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	if owner, source := h.owner(t); owner || source != "" {
		t.Fatalf("initial Owner = %v, %q; want false with no source", owner, source)
	}

	// A presence saying member is the only evidence.
	presence := stanza.RoomPresence{
		Item:        stanza.RoomItem{Nick: "ally", Affiliation: stanza.AffiliationMember},
		StatusCodes: []int{stanza.StatusSelfPresence},
	}
	if err := h.reconciler.OnPresence(ctx, room+"/ally", presence, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	if owner, source := h.owner(t); owner || source != SourcePresence {
		t.Errorf("after presence Owner = %v, %q; want false from presence", owner, source)
	}

	// A query that says owner outranks presence and is persisted.
	h.items[room] = []stanza.RoomItem{{Address: "alice@example.org", Affiliation: stanza.AffiliationOwner}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	if owner, source := h.owner(t); !owner || source != SourceCache {
		t.Errorf("after query Owner = %v, %q; want true from cache", owner, source)
	}

	// Once cached, a member presence no longer changes the answer.
	if err := h.reconciler.OnPresence(ctx, room+"/ally", presence, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	if owner, source := h.owner(t); !owner || source != SourceCache {
		t.Errorf("after member presence Owner = %v, %q; want cached owner", owner, source)
	}

	// Neither does a query whose lists omit the local identity.
	h.items[room] = []stanza.RoomItem{{Address: "bob@example.org", Affiliation: stanza.AffiliationOwner}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	if owner, source := h.owner(t); !owner || source != SourceCache {
		t.Errorf("after query without self Owner = %v, %q; want cached owner", owner, source)
	}

	// A query listing the local identity below owner overrides the
	// cache and clears it.
	h.items[room] = []stanza.RoomItem{{Address: "alice@example.org", Affiliation: stanza.AffiliationAdmin}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	if owner, source := h.owner(t); owner || source != SourceQuery {
		t.Errorf("after demoting query Owner = %v, %q; want false from query", owner, source)
	}
	cached, err := ListCache(ctx, h.store, "alice@example.org")
	if err != nil {
		t.Fatalf("ListCache: %v", err)
	}
	if len(cached) != 0 {
		t.Errorf("cache after demoting query = %+v, want empty", cached)
	}
}

func TestQueryOutranksPresenceWithoutCache(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	h.items[room] = []stanza.RoomItem{{Address: "alice@example.org", Affiliation: stanza.AffiliationMember}}
	if _, err := h.reconciler.FetchAffiliations(ctx, room); err != nil {
		t.Fatalf("FetchAffiliations: %v", err)
	}
	presence := stanza.RoomPresence{Item: stanza.RoomItem{Nick: "ally", Affiliation: stanza.AffiliationAdmin}}
	if err := h.reconciler.OnPresence(ctx, room+"/ally", presence, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	if owner, source := h.owner(t); owner || source != SourceQuery {
		t.Errorf("Owner = %v, %q; want false from query", owner, source)
	}
}

func TestPresenceOwnerIsPersisted(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	h := newReconcilerHarness(t, "alice@example.org/laptop", store)
	presence := stanza.RoomPresence{
		Item:        stanza.RoomItem{Address: "alice@example.org/laptop", Affiliation: stanza.AffiliationOwner, Role: "moderator"},
		StatusCodes: []int{stanza.StatusSelfPresence},
	}
	if err := h.reconciler.OnPresence(ctx, room+"/ally", presence, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}

	// A fresh reconciler over the same store, as after a reconnect.
	again := newReconcilerHarness(t, "alice@example.org/phone", store)
	owner, source := again.owner(t)
	if !owner || source != SourceCache {
		t.Errorf("Owner after restart = %v, %q; want true from cache", owner, source)
	}
	cached, err := ListCache(ctx, store, "alice@example.org")
	if err != nil {
		t.Fatalf("ListCache: %v", err)
	}
	if len(cached) != 1 || cached[0].Room != room || cached[0].Record.Source != SourcePresence {
		t.Errorf("ListCache = %+v, want one presence record for %s", cached, room)
	}
}

func TestCacheIsScopedByAccount(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	alice := newReconcilerHarness(t, "alice@example.org", store)
	if err := alice.reconciler.GrantCreation(ctx, room); err != nil {
		t.Fatalf("GrantCreation: %v", err)
	}
	bob := newReconcilerHarness(t, "bob@example.org", store)
	if owner, _ := bob.owner(t); owner {
		t.Error("bob inherited alice's cached ownership")
	}
}

func TestRoomCreationGrantsOwnership(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	presence := stanza.RoomPresence{
		Item:        stanza.RoomItem{Nick: "ally", Affiliation: stanza.AffiliationOwner, Role: "moderator"},
		StatusCodes: []int{stanza.StatusSelfPresence, stanza.StatusRoomCreated},
	}
	if err := h.reconciler.OnPresence(ctx, room+"/ally", presence, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	if h.queries != 0 {
		t.Errorf("queries = %d, want none for a created room", h.queries)
	}
	cached, err := ListCache(ctx, h.store, "alice@example.org")
	if err != nil {
		t.Fatalf("ListCache: %v", err)
	}
	if len(cached) != 1 || cached[0].Record.Source != SourceCreation || !cached[0].Record.Owner {
		t.Errorf("ListCache = %+v, want one creation record", cached)
	}
}

func TestPresenceUpsertsByAddressOrNick(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	join := stanza.RoomPresence{Item: stanza.RoomItem{Affiliation: stanza.AffiliationMember, Role: "participant"}}
	if err := h.reconciler.OnPresence(ctx, room+"/bob", join, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	// The same occupant, now with an address revealed.
	revealed := stanza.RoomPresence{Item: stanza.RoomItem{Address: "bob@example.org/phone", Nick: "bob", Affiliation: stanza.AffiliationAdmin}}
	if err := h.reconciler.OnPresence(ctx, room+"/bob", revealed, true); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	leave := stanza.RoomPresence{Item: stanza.RoomItem{Address: "bob@example.org", Affiliation: stanza.AffiliationAdmin}}
	if err := h.reconciler.OnPresence(ctx, room+"/bob", leave, false); err != nil {
		t.Fatalf("OnPresence: %v", err)
	}

	want := []Member{{Address: "bob@example.org", Nick: "bob", Affiliation: stanza.AffiliationAdmin, Role: "none"}}
	if diff := cmp.Diff(want, h.reconciler.Members(room)); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyAndForget(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	if err := h.reconciler.GrantCreation(ctx, room); err != nil {
		t.Fatalf("GrantCreation: %v", err)
	}
	h.reconciler.Apply(room, "bob@example.org", stanza.AffiliationMember)
	h.reconciler.Apply(room, "bob@example.org", stanza.AffiliationAdmin)
	want := []Member{{Address: "bob@example.org", Affiliation: stanza.AffiliationAdmin}}
	if diff := cmp.Diff(want, h.reconciler.Members(room)); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}

	if err := h.reconciler.Forget(ctx, room); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if got := h.reconciler.Members(room); got != nil {
		t.Errorf("Members after Forget = %v, want nil", got)
	}
	if owner, _ := h.owner(t); owner {
		t.Error("ownership survived Forget")
	}
}

func TestOwnedRooms(t *testing.T) {
	ctx := context.Background()
	h := newReconcilerHarness(t, "alice@example.org", nil)
	if err := h.reconciler.GrantCreation(ctx, "b@muc.example.org"); err != nil {
		t.Fatalf("GrantCreation: %v", err)
	}
	owned, err := h.reconciler.OwnedRooms(ctx, []string{"a@muc.example.org", "b@muc.example.org"})
	if err != nil {
		t.Fatalf("OwnedRooms: %v", err)
	}
	if diff := cmp.Diff([]string{"b@muc.example.org"}, owned); diff != "" {
		t.Errorf("OwnedRooms mismatch (-want +got):\n%s", diff)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	alice := newReconcilerHarness(t, "alice@example.org", store)
	bob := newReconcilerHarness(t, "bob@example.org", store)
	for _, h := range []*reconcilerHarness{alice, bob} {
		if err := h.reconciler.GrantCreation(ctx, room); err != nil {
			t.Fatalf("GrantCreation: %v", err)
		}
	}
	removed, err := ClearCache(ctx, store, "alice@example.org")
	if err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if owner, _ := bob.owner(t); !owner {
		t.Error("clearing alice's cache removed bob's record")
	}
}
