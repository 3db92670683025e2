// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package affiliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
	"github.com/bureau-foundation/chatsync/stanza"
)

// Source says where an ownership observation came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceQuery    Source = "query"
	SourcePresence Source = "presence"
	SourceCreation Source = "creation"
)

// Member is one entry of a room's affiliation set. Address is empty
// when the room hides real addresses from the local participant.
type Member struct {
	Address     string `json:"address,omitempty"`
	Nick        string `json:"nick,omitempty"`
	Affiliation string `json:"affiliation"`
	Role        string `json:"role,omitempty"`
}

// matches reports whether item describes the same member, by bare
// address when both carry one, otherwise by nickname.
func (m Member) matches(item stanza.RoomItem) bool {
	if m.Address != "" && item.Address != "" {
		return address.BareOf(m.Address) == address.BareOf(item.Address)
	}
	return m.Nick != "" && m.Nick == item.Nick
}

// QueryFunc issues an affiliation query for room and returns its items.
type QueryFunc func(ctx context.Context, room string) ([]stanza.RoomItem, error)

// Config wires a Reconciler.
type Config struct {
	// Local is the session identity. Required.
	Local address.Address

	// LocalNick returns the local nickname in room, or "".
	LocalNick func(room string) string

	// Store persists ownership records. Nil means an in-memory store.
	Store kvstore.Store

	// Query fetches a room's owner, admin, and member lists. Required.
	Query QueryFunc

	// OnChange is called with a room whenever its affiliation set or
	// the local ownership flag changes. May be nil.
	OnChange func(room string)

	Clock  clock.Clock
	Logger *slog.Logger
}

type roomState struct {
	members []Member
	// observed holds the latest ownership seen per non-cache source.
	observed map[Source]bool
}

// Reconciler merges persisted, queried, and presence-carried
// affiliations into one set per room.
type Reconciler struct {
	account   string
	localNick func(room string) string
	store     kvstore.Store
	query     QueryFunc
	onChange  func(room string)
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

// New returns an empty Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("affiliation: local address is required")
	}
	if cfg.Query == nil {
		return nil, fmt.Errorf("affiliation: query function is required")
	}
	if cfg.LocalNick == nil {
		cfg.LocalNick = func(string) string { return "" }
	}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		account:   cfg.Local.BareString(),
		localNick: cfg.LocalNick,
		store:     cfg.Store,
		query:     cfg.Query,
		onChange:  cfg.OnChange,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		rooms:     make(map[string]*roomState),
	}, nil
}

func (r *Reconciler) roomLocked(room string) *roomState {
	state := r.rooms[room]
	if state == nil {
		state = &roomState{observed: make(map[Source]bool)}
		r.rooms[room] = state
	}
	return state
}

func (r *Reconciler) isSelf(room string, item stanza.RoomItem) bool {
	if item.Address != "" {
		return address.BareOf(item.Address) == r.account
	}
	nick := r.localNick(room)
	return nick != "" && item.Nick == nick
}

func (r *Reconciler) notify(room string) {
	if r.onChange != nil {
		r.onChange(room)
	}
}

// Owner reports whether the local identity owns room and which source
// decided it. A persisted record wins over a query result, which wins
// over a presence observation.
func (r *Reconciler) Owner(ctx context.Context, room string) (bool, Source, error) {
	record, found, err := loadRecord(ctx, r.store, r.account, room)
	if err != nil {
		return false, "", err
	}
	if found {
		return record.Owner, SourceCache, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.rooms[room]
	if state == nil {
		return false, "", nil
	}
	for _, source := range []Source{SourceQuery, SourcePresence} {
		if owner, ok := state.observed[source]; ok {
			return owner, source, nil
		}
	}
	return false, "", nil
}

// observe records an ownership observation. Positive observations are
// persisted at once so they survive reconnects.
func (r *Reconciler) observe(ctx context.Context, room string, owner bool, source Source) error {
	r.mu.Lock()
	state := r.roomLocked(room)
	previous, seen := state.observed[source]
	state.observed[source] = owner
	r.mu.Unlock()

	if !owner {
		if !seen || previous {
			r.logger.Debug("ownership observation",
				"room", room,
				"owner", false,
				"source", string(source),
			)
		}
		return nil
	}
	existing, found, err := loadRecord(ctx, r.store, r.account, room)
	if err != nil {
		return err
	}
	if found && existing.Owner {
		return nil
	}
	record := Record{Owner: true, Source: source, ObservedAt: r.clock.Now().UTC()}
	if err := storeRecord(ctx, r.store, r.account, room, record); err != nil {
		return err
	}
	r.logger.Info("room ownership recorded",
		"room", room,
		"source", string(source),
	)
	return nil
}

// revoke records a query that explicitly lists the local identity
// below owner. It overrides and deletes any persisted grant.
func (r *Reconciler) revoke(ctx context.Context, room, affiliation string) error {
	if err := r.observe(ctx, room, false, SourceQuery); err != nil {
		return err
	}
	_, found, err := loadRecord(ctx, r.store, r.account, room)
	if err != nil || !found {
		return err
	}
	if err := r.store.Delete(ctx, cacheKey(r.account, room)); err != nil {
		return fmt.Errorf("affiliation: clearing ownership of %s: %w", room, err)
	}
	r.logger.Info("room ownership revoked",
		"room", room,
		"affiliation", affiliation,
	)
	return nil
}

// FetchAffiliations queries room and replaces its affiliation set with
// the result. Repeated addresses keep the last item. A failed query
// leaves the previous set untouched.
func (r *Reconciler) FetchAffiliations(ctx context.Context, room string) ([]Member, error) {
	items, err := r.query(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("affiliation: querying %s: %w", room, err)
	}

	var members []Member
	index := make(map[string]int)
	selfAffiliation := ""
	for _, item := range items {
		if item.Affiliation == "" {
			item.Affiliation = stanza.AffiliationNone
		}
		member := Member{Nick: item.Nick, Affiliation: item.Affiliation, Role: item.Role}
		if item.Address != "" {
			member.Address = address.BareOf(item.Address)
		}
		key := "nick:" + member.Nick
		if member.Address != "" {
			key = "address:" + member.Address
		}
		if position, ok := index[key]; ok {
			members[position] = member
		} else {
			index[key] = len(members)
			members = append(members, member)
		}
		if r.isSelf(room, item) {
			selfAffiliation = item.Affiliation
		}
	}
	sortMembers(members)

	r.mu.Lock()
	state := r.roomLocked(room)
	state.members = members
	r.mu.Unlock()

	r.logger.Debug("affiliations fetched",
		"room", room,
		"members", len(members),
		"self_affiliation", selfAffiliation,
	)
	switch selfAffiliation {
	case stanza.AffiliationOwner:
		err = r.observe(ctx, room, true, SourceQuery)
	case "":
		// Absence from the lists proves nothing; a cached grant stands.
		err = r.observe(ctx, room, false, SourceQuery)
	default:
		err = r.revoke(ctx, room, selfAffiliation)
	}
	if err != nil {
		return cloneMembers(members), err
	}
	r.notify(room)
	return cloneMembers(members), nil
}

// OnPresence upserts the member described by a room presence. occupant
// is the presence's from address; available is false for departures,
// which clear the member's role but keep the affiliation.
func (r *Reconciler) OnPresence(ctx context.Context, occupant string, presence stanza.RoomPresence, available bool) error {
	room := address.BareOf(occupant)
	item := presence.Item
	if item.Nick == "" {
		item.Nick = address.ResourceOf(occupant)
	}
	if !available {
		item.Role = "none"
	}
	self := presence.HasStatus(stanza.StatusSelfPresence) || r.isSelf(room, item)

	r.mu.Lock()
	state := r.roomLocked(room)
	changed := upsert(state, item)
	r.mu.Unlock()

	if self && presence.HasStatus(stanza.StatusRoomCreated) {
		if err := r.GrantCreation(ctx, room); err != nil {
			return err
		}
		changed = true
	} else if self && item.Affiliation != "" {
		if err := r.observe(ctx, room, item.Affiliation == stanza.AffiliationOwner, SourcePresence); err != nil {
			return err
		}
	}
	if changed {
		r.notify(room)
	}
	return nil
}

func upsert(state *roomState, item stanza.RoomItem) bool {
	for i, member := range state.members {
		if !member.matches(item) {
			continue
		}
		updated := member
		if item.Address != "" {
			updated.Address = address.BareOf(item.Address)
		}
		if item.Nick != "" {
			updated.Nick = item.Nick
		}
		if item.Affiliation != "" {
			updated.Affiliation = item.Affiliation
		}
		if item.Role != "" {
			updated.Role = item.Role
		}
		state.members[i] = updated
		return updated != member
	}
	member := Member{Nick: item.Nick, Affiliation: item.Affiliation, Role: item.Role}
	if item.Address != "" {
		member.Address = address.BareOf(item.Address)
	}
	if member.Affiliation == "" {
		member.Affiliation = stanza.AffiliationNone
	}
	state.members = append(state.members, member)
	sortMembers(state.members)
	return true
}

// GrantCreation records ownership of a room the local identity just
// created. The creator owns a room by definition, so no query is made.
func (r *Reconciler) GrantCreation(ctx context.Context, room string) error {
	record := Record{Owner: true, Source: SourceCreation, ObservedAt: r.clock.Now().UTC()}
	if err := storeRecord(ctx, r.store, r.account, room, record); err != nil {
		return err
	}
	r.mu.Lock()
	r.roomLocked(room).observed[SourceCreation] = true
	r.mu.Unlock()
	r.logger.Info("room ownership recorded",
		"room", room,
		"source", string(SourceCreation),
	)
	r.notify(room)
	return nil
}

// Apply records an affiliation change the server accepted.
func (r *Reconciler) Apply(room, member, affiliation string) {
	r.mu.Lock()
	changed := upsert(r.roomLocked(room), stanza.RoomItem{Address: member, Affiliation: affiliation})
	r.mu.Unlock()
	if changed {
		r.notify(room)
	}
}

// Forget drops everything known about room, including its persisted
// ownership record. Used when the room is destroyed.
func (r *Reconciler) Forget(ctx context.Context, room string) error {
	r.mu.Lock()
	delete(r.rooms, room)
	r.mu.Unlock()
	if err := r.store.Delete(ctx, cacheKey(r.account, room)); err != nil {
		return fmt.Errorf("affiliation: clearing ownership of %s: %w", room, err)
	}
	r.notify(room)
	return nil
}

// Members returns a copy of room's affiliation set, ordered by
// affiliation rank and then by address or nickname.
func (r *Reconciler) Members(room string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.rooms[room]
	if state == nil {
		return nil
	}
	return cloneMembers(state.members)
}

// OwnedRooms returns, of rooms, those the local identity owns.
func (r *Reconciler) OwnedRooms(ctx context.Context, rooms []string) ([]string, error) {
	var owned []string
	for _, room := range rooms {
		owner, _, err := r.Owner(ctx, room)
		if err != nil {
			return owned, err
		}
		if owner {
			owned = append(owned, room)
		}
	}
	return owned, nil
}

var affiliationRank = map[string]int{
	stanza.AffiliationOwner:   0,
	stanza.AffiliationAdmin:   1,
	stanza.AffiliationMember:  2,
	stanza.AffiliationNone:    3,
	stanza.AffiliationOutcast: 4,
}

func memberName(m Member) string {
	if m.Address != "" {
		return m.Address
	}
	return strings.ToLower(m.Nick)
}

func rank(affiliation string) int {
	if r, ok := affiliationRank[affiliation]; ok {
		return r
	}
	return len(affiliationRank)
}

func sortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		ri, rj := rank(members[i].Affiliation), rank(members[j].Affiliation)
		if ri != rj {
			return ri < rj
		}
		return memberName(members[i]) < memberName(members[j])
	})
}

func cloneMembers(members []Member) []Member {
	if members == nil {
		return nil
	}
	return append([]Member(nil), members...)
}
