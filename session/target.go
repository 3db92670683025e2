// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bureau-foundation/chatsync/affiliation"
	"github.com/bureau-foundation/chatsync/refresh"
	"github.com/bureau-foundation/chatsync/stanza"
)

// refreshTarget exposes the session to the refresh orchestrator. It is
// a separate method set so the orchestrator's view of the session does
// not leak into the public API.
type refreshTarget Session

var _ refresh.Target = (*refreshTarget)(nil)

func (t *refreshTarget) session() *Session { return (*Session)(t) }

func (t *refreshTarget) FetchRoster(ctx context.Context) error {
	s := t.session()
	reply, err := s.request(ctx, stanza.RosterQuery(s.newID()))
	if err != nil {
		return classify("roster", s.local.BareString(), err)
	}
	s.applyRoster(stanza.ParseRoster(reply), true)
	return nil
}

// DiscoverRooms loads the bookmarked rooms, joins the autojoin ones
// not yet joined, and returns every known room.
func (t *refreshTarget) DiscoverRooms(ctx context.Context) ([]string, error) {
	s := t.session()
	reply, err := s.request(ctx, stanza.BookmarksQuery(s.newID()))
	switch {
	case stanza.IsCondition(err, stanza.ConditionItemNotFound):
		// No bookmarks stored yet.
	case err != nil:
		return nil, classify("bookmarks", s.local.BareString(), err)
	}

	var autojoin []string
	s.mu.Lock()
	if err == nil {
		for _, bookmark := range stanza.ParseBookmarks(reply) {
			if bookmark.Room == "" {
				continue
			}
			room, ok := s.rooms[bookmark.Room]
			if !ok {
				room = &Room{Address: bookmark.Room, Nick: s.nickname}
				s.rooms[bookmark.Room] = room
			}
			room.Name = bookmark.Name
			room.Autojoin = bookmark.Autojoin
			if bookmark.Nick != "" && !room.Joined {
				room.Nick = bookmark.Nick
			}
			if room.Autojoin && !room.Joined {
				autojoin = append(autojoin, room.Address)
			}
		}
	}
	rooms := make([]string, 0, len(s.rooms))
	for address := range s.rooms {
		rooms = append(rooms, address)
	}
	s.mu.Unlock()
	sort.Strings(rooms)
	for _, room := range rooms {
		s.syncOwnership(ctx, room)
	}

	for _, room := range autojoin {
		if err := s.JoinRoom(ctx, room, ""); err != nil {
			s.logger.Warn("autojoin failed", "room", room, "error", err)
		}
	}
	s.emit(Event{Kind: EventRooms})
	return rooms, nil
}

func (t *refreshTarget) ActiveConversation() (string, bool) {
	s := t.session()
	active := s.ActiveConversation()
	return active, active != "" && s.isRoom(active)
}

// DirectConversations returns roster contacts plus any other
// one-to-one conversation that has logged messages.
func (t *refreshTarget) DirectConversations() []string {
	s := t.session()
	logged := s.pipeline.Conversations()
	s.mu.Lock()
	seen := make(map[string]bool, len(s.contacts)+len(logged))
	for bare := range s.contacts {
		seen[bare] = true
	}
	for _, conversation := range logged {
		if _, room := s.rooms[conversation]; !room {
			seen[conversation] = true
		}
	}
	s.mu.Unlock()
	conversations := make([]string, 0, len(seen))
	for conversation := range seen {
		conversations = append(conversations, conversation)
	}
	sort.Strings(conversations)
	return conversations
}

// VerifyOwnership answers from the persisted cache when it has a
// record, and otherwise queries the room. A room that refuses the
// query falls back to what presence showed.
func (t *refreshTarget) VerifyOwnership(ctx context.Context, room string) (bool, error) {
	s := t.session()
	owner, source, err := s.affiliations.Owner(ctx, room)
	if err != nil || source == affiliation.SourceCache {
		return owner, err
	}
	if _, err := s.affiliations.FetchAffiliations(ctx, room); err != nil {
		var permission *PermissionError
		if errors.As(err, &permission) {
			return owner, nil
		}
		return false, err
	}
	owner, _, err = s.affiliations.Owner(ctx, room)
	return owner, err
}

// ReplayArchive pages through the archive from the conversation's
// watermark, or the lookback window when no replay has completed yet.
// Paging follows the newest archived message and stops at the final
// page or when a page adds nothing newer. Only a replay that reaches
// the final page advances the watermark; live arrivals never do, so
// messages the server archived during an outage are still requested.
func (t *refreshTarget) ReplayArchive(ctx context.Context, conversation string, group bool) error {
	s := t.session()
	start, ok := s.archiveWatermark(conversation)
	if !ok {
		start = s.clock.Now().Add(-s.settings.Refresh.ArchiveLookback).UTC()
	}
	to, with := "", conversation
	if group {
		to, with = conversation, ""
	}
	for {
		query := stanza.ArchiveQuery(s.newID(), s.newID(), to, start, with, s.settings.Refresh.ArchivePageSize)
		reply, err := s.request(ctx, query)
		if err != nil {
			return classify("archive", conversation, err)
		}
		// Results precede their final reply on the stream, so they are
		// already queued.
		s.pipeline.Flush()
		latest, ok := s.pipeline.LatestArchived(conversation)
		advanced := ok && latest.After(start)
		if advanced {
			start = latest
		}
		if stanza.ArchiveComplete(reply) {
			s.advanceWatermark(conversation, start)
			return nil
		}
		if !advanced {
			return nil
		}
	}
}

func (s *Session) archiveWatermark(conversation string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.watermarks[conversation]
	return mark, ok
}

// advanceWatermark moves a conversation's watermark forward to mark.
// It never moves backward.
func (s *Session) advanceWatermark(conversation string, mark time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.watermarks[conversation]; !ok || mark.After(current) {
		s.watermarks[conversation] = mark
	}
}

func (t *refreshTarget) FetchAffiliations(ctx context.Context, room string) error {
	_, err := t.session().affiliations.FetchAffiliations(ctx, room)
	return err
}

func (t *refreshTarget) Contacts() []string {
	s := t.session()
	s.mu.Lock()
	defer s.mu.Unlock()
	contacts := make([]string, 0, len(s.contacts))
	for bare, contact := range s.contacts {
		if !contact.Blocked {
			contacts = append(contacts, bare)
		}
	}
	sort.Strings(contacts)
	return contacts
}

func (t *refreshTarget) ProbeContact(ctx context.Context, contact string) error {
	return t.session().send(ctx, stanza.Probe(contact))
}
