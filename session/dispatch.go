// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/bureau-foundation/chatsync/ingest"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/stanza"
)

// dispatch routes one inbound unit. It must not wait on a correlated
// request: replies arrive through this same loop.
func (s *Session) dispatch(ctx context.Context, unit stanza.Unit) {
	s.metrics.CountInbound(unit.Kind().String())
	switch unit.Kind() {
	case stanza.KindIQ:
		s.dispatchIQ(ctx, unit)
	case stanza.KindMessage:
		s.dispatchMessage(unit)
	case stanza.KindPresence:
		s.dispatchPresence(ctx, unit)
	default:
		s.logger.Debug("unknown unit ignored", "unit", unit.String())
	}
}

func (s *Session) dispatchIQ(ctx context.Context, unit stanza.Unit) {
	switch unit.Type() {
	case stanza.IQResult, stanza.IQError:
		if s.health.OnProbeResponse(unit.ID()) {
			return
		}
		if !s.requests.resolve(unit) {
			s.logger.Debug("uncorrelated reply ignored", "id", unit.ID(), "from", unit.From())
		}
	case stanza.IQGet:
		if stanza.IsPing(unit) {
			s.reply(ctx, stanza.Result(unit))
			return
		}
		s.reply(ctx, stanza.ErrorReply(unit, &stanza.Error{
			Type:      stanza.ErrorTypeCancel,
			Condition: stanza.ConditionServiceUnavailable,
		}))
	case stanza.IQSet:
		if unit.Child(stanza.NamespaceRoster, "query") != nil && s.fromServer(unit) {
			s.applyRoster(stanza.ParseRoster(unit), false)
			s.reply(ctx, stanza.Result(unit))
			return
		}
		s.reply(ctx, stanza.ErrorReply(unit, &stanza.Error{
			Type:      stanza.ErrorTypeCancel,
			Condition: stanza.ConditionServiceUnavailable,
		}))
	}
}

// fromServer reports whether unit came from the account's own server
// side: no from attribute, or the bare account address.
func (s *Session) fromServer(unit stanza.Unit) bool {
	from := unit.From()
	return from == "" || from == s.local.BareString() || from == s.local.Domain()
}

// replyFrom reports whether from may answer a request sent to peer.
// Requests to the account itself are answered by its server.
func (s *Session) replyFrom(peer, from string) bool {
	if peer == "" || peer == s.local.BareString() {
		return from == "" || from == s.local.BareString() || from == s.local.Domain() || from == s.local.String()
	}
	return from == peer
}

func (s *Session) reply(ctx context.Context, unit stanza.Unit) {
	if err := s.transport.Send(ctx, unit); err != nil {
		s.logger.Debug("reply not sent", "id", unit.ID(), "error", err)
	}
}

func (s *Session) dispatchMessage(unit stanza.Unit) {
	now := s.clock.Now()
	if unit.IsError() {
		s.logger.Debug("message error", "from", unit.From(), "id", unit.ID(), "error", unit.Err())
		return
	}
	if result, ok := stanza.ParseArchiveResult(unit); ok {
		if !s.fromServer(unit) && !s.isRoom(address.BareOf(unit.From())) {
			s.logger.Warn("archive result from unexpected sender", "from", unit.From())
			return
		}
		s.pipeline.Enqueue(ingest.Item{
			Unit:      result.Message,
			Source:    ingest.SourceArchive,
			ArrivedAt: now,
			Stamp:     result.Stamp,
			ArchiveID: result.ArchiveID,
		})
		return
	}

	source := ingest.SourceLive
	if inner, direction, ok := stanza.ParseCarbon(unit); ok {
		if !s.fromServer(unit) {
			s.logger.Warn("forged carbon dropped", "from", unit.From())
			return
		}
		s.logger.Debug("carbon copy", "direction", direction, "id", inner.ID())
		unit = inner
		source = ingest.SourceCarbon
	}

	group := unit.Type() == stanza.TypeGroupChat
	sender := unit.From()
	mine := s.identity.IsMine(sender, group)
	conversation := s.identity.Conversation(sender, unit.To(), group, mine)

	if unit.HasBody() {
		s.typing.OnMessageBody(conversation, sender, group)
	} else if state, ok := stanza.ParseChatState(unit); ok && !mine {
		s.typing.OnRemoteState(conversation, sender, group, state)
	}

	if source == ingest.SourceLive && !mine && !group && unit.HasBody() &&
		unit.ID() != "" && stanza.ReceiptRequested(unit) {
		s.sendQuiet(stanza.Receipt(sender, s.newID(), unit.ID()))
	}

	s.pipeline.Enqueue(ingest.Item{Unit: unit, Source: source, ArrivedAt: now})
}

func (s *Session) dispatchPresence(ctx context.Context, unit stanza.Unit) {
	from := unit.From()
	bare := address.BareOf(from)
	if unit.IsError() {
		if s.isRoom(bare) {
			s.logger.Warn("room presence error", "room", bare, "error", unit.Err())
			s.setJoined(bare, "", false)
		}
		return
	}
	var available bool
	switch unit.Type() {
	case "":
		available = true
	case stanza.PresenceUnavailable:
	default:
		s.logger.Debug("subscription presence ignored", "from", from, "type", unit.Type())
		return
	}

	if presence, ok := stanza.ParseRoomPresence(unit); ok {
		if err := s.affiliations.OnPresence(ctx, from, presence, available); err != nil {
			s.logger.Warn("room presence not applied", "room", bare, "error", err)
		}
		if !presence.HasStatus(stanza.StatusSelfPresence) {
			return
		}
		s.setJoined(bare, address.ResourceOf(from), available)
		if available && presence.HasStatus(stanza.StatusRoomCreated) {
			go s.configureInstantRoom(ctx, bare)
		}
		return
	}

	if bare == s.local.BareString() {
		return
	}
	s.mu.Lock()
	contact, ok := s.contacts[bare]
	if ok {
		contact.Available = available
		contact.Show = unit.Element().ChildText("", "show")
		contact.Status = unit.Element().ChildText("", "status")
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: EventContacts, Conversation: bare})
	}
}

func (s *Session) setJoined(room, nick string, joined bool) {
	s.mu.Lock()
	state, known := s.rooms[room]
	if !known {
		state = &Room{Address: room}
		s.rooms[room] = state
	}
	state.Joined = joined
	if nick != "" {
		state.Nick = nick
	}
	s.mu.Unlock()
	if !known {
		s.syncOwnership(context.Background(), room)
	}
	s.emit(Event{Kind: EventRooms, Conversation: room})
}

// configureInstantRoom accepts the default configuration of a room
// this session just created, unlocking it for other occupants.
func (s *Session) configureInstantRoom(ctx context.Context, room string) {
	if _, err := s.request(ctx, stanza.InstantRoom(s.newID(), room)); err != nil {
		s.logger.Warn("instant room configuration failed", "room", room, "error", err)
		return
	}
	s.logger.Info("room created", "room", room)
}

// applyRoster merges roster items. replace drops contacts absent from
// items; a push carries only the changed entries.
func (s *Session) applyRoster(items []stanza.RosterItem, replace bool) {
	s.mu.Lock()
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		bare := address.BareOf(item.Address)
		if bare == "" {
			continue
		}
		if item.Subscription == "remove" {
			delete(s.contacts, bare)
			continue
		}
		seen[bare] = true
		contact, ok := s.contacts[bare]
		if !ok {
			contact = &Contact{Address: bare}
			s.contacts[bare] = contact
		}
		contact.Name = item.Name
		contact.Subscription = item.Subscription
		contact.Groups = append([]string(nil), item.Groups...)
	}
	if replace {
		for bare := range s.contacts {
			if !seen[bare] {
				delete(s.contacts, bare)
			}
		}
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventContacts})
}
