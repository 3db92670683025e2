// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/chatsync/affiliation"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/stanza"
)

// post sends a unit built for conversation and submits it to the log so
// the UI sees it before the server echo. It returns the unit's id.
func (s *Session) post(ctx context.Context, conversation string, build func(to, messageType, id string) stanza.Unit) (string, error) {
	if !s.Connected() {
		return "", ErrNotConnected
	}
	id := s.newID()
	unit := build(conversation, s.messageType(conversation), id)
	if err := s.send(ctx, unit); err != nil {
		return "", err
	}
	s.pipeline.Submit(unit)
	return id, nil
}

// SendMessage sends body to a contact or room and returns the message
// id. Local typing in the conversation ends.
func (s *Session) SendMessage(ctx context.Context, conversation, body string) (string, error) {
	if limit := s.settings.Ingest.MaxBodyBytes; limit > 0 && len(body) > limit {
		return "", fmt.Errorf("session: message body is %d bytes, limit is %d", len(body), limit)
	}
	id, err := s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.ChatMessage(to, messageType, id, body)
	})
	if err == nil {
		s.typing.Sent(conversation)
	}
	return id, err
}

// SendFile shares an already uploaded file by URL.
func (s *Session) SendFile(ctx context.Context, conversation, url, description string) (string, error) {
	return s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.FileMessage(to, messageType, id, url, description)
	})
}

// CreatePoll posts a poll. Options are numbered from 1 in the order
// given. The returned id is the poll's id.
func (s *Session) CreatePoll(ctx context.Context, conversation, question string, options []string) (string, error) {
	if len(options) < 2 {
		return "", fmt.Errorf("session: poll needs at least two options, got %d", len(options))
	}
	poll := stanza.Poll{Question: question}
	for i, text := range options {
		poll.Options = append(poll.Options, stanza.PollOption{ID: strconv.Itoa(i + 1), Text: text})
	}
	return s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		poll.ID = id
		return stanza.PollMessage(to, messageType, id, poll)
	})
}

// Vote casts or replaces the local vote on a poll.
func (s *Session) Vote(ctx context.Context, conversation, pollID, optionID string) error {
	_, err := s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.PollVote(to, messageType, id, pollID, optionID)
	})
	return err
}

// ClosePoll stops a poll the local identity created from accepting
// votes.
func (s *Session) ClosePoll(ctx context.Context, conversation, pollID string) error {
	_, err := s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.PollClose(to, messageType, id, pollID)
	})
	return err
}

// React replaces the local identity's reactions on a message. An empty
// set removes them.
func (s *Session) React(ctx context.Context, conversation, messageID string, emojis []string) error {
	_, err := s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.Reactions(to, messageType, id, messageID, emojis)
	})
	return err
}

// Retract deletes one of the local identity's messages.
func (s *Session) Retract(ctx context.Context, conversation, messageID string) error {
	if message, ok := s.pipeline.Message(conversation, messageID); ok && !message.Mine {
		return fmt.Errorf("session: retract %s: message was not sent by this account", messageID)
	}
	_, err := s.post(ctx, conversation, func(to, messageType, id string) stanza.Unit {
		return stanza.Retract(to, messageType, id, messageID)
	})
	return err
}

// MarkRead marks a received message read, persists the marker and
// tells the sender.
func (s *Session) MarkRead(ctx context.Context, conversation, messageID string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	message, err := s.pipeline.MarkRead(ctx, conversation, messageID)
	if err != nil {
		return fmt.Errorf("session: mark read: %w", err)
	}
	if message.Mine {
		return nil
	}
	return s.send(ctx, stanza.Displayed(conversation, s.messageType(conversation), s.newID(), messageID))
}

// Keystroke records local input in conversation.
func (s *Session) Keystroke(conversation string) {
	if !s.Connected() {
		return
	}
	s.typing.Keystroke(conversation, s.messageType(conversation))
}

// StopTyping ends local typing in conversation, as on blur.
func (s *Session) StopTyping(conversation string) {
	s.typing.Stop(conversation)
}

// SetActiveConversation records the conversation open in the UI. The
// previous one loses focus, which ends local typing there.
func (s *Session) SetActiveConversation(conversation string) {
	s.mu.Lock()
	previous := s.active
	s.active = conversation
	s.mu.Unlock()
	if previous != "" && previous != conversation {
		s.typing.Stop(previous)
	}
}

// JoinRoom enters room. An empty nick uses the room's stored nickname
// or the session default. History is requested only from the room's
// archive watermark on, and the room is marked joined once the server
// confirms with self presence.
func (s *Session) JoinRoom(ctx context.Context, room, nick string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	room = address.BareOf(room)
	s.mu.Lock()
	state, known := s.rooms[room]
	if !known {
		state = &Room{Address: room}
		s.rooms[room] = state
	}
	switch {
	case nick != "":
		state.Nick = nick
	case state.Nick == "":
		state.Nick = s.nickname
	}
	nick = state.Nick
	s.mu.Unlock()
	if !known {
		s.syncOwnership(ctx, room)
	}

	// Zero asks for the room's default history.
	since, _ := s.archiveWatermark(room)
	if err := s.send(ctx, stanza.JoinRoom(room, nick, since)); err != nil {
		return err
	}
	s.logger.Info("joining room", "room", room, "nick", nick)
	s.emit(Event{Kind: EventRooms, Conversation: room})
	return nil
}

// CreateRoom joins a room that does not exist yet. The service creates
// it and the session accepts the default configuration when the
// creation status arrives; ownership is granted at the same moment.
func (s *Session) CreateRoom(ctx context.Context, room, nick string) error {
	return s.JoinRoom(ctx, room, nick)
}

// LeaveRoom exits room and drops its cached ownership and affiliation
// set. The room stays known so a later refresh can rejoin it, and the
// rejoin presence or next query re-establishes ownership.
func (s *Session) LeaveRoom(ctx context.Context, room string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	nick := s.roomNick(room)
	if nick == "" {
		return fmt.Errorf("session: leave %s: room is not known", room)
	}
	if err := s.send(ctx, stanza.LeaveRoom(room, nick)); err != nil {
		return err
	}
	if err := s.affiliations.Forget(ctx, room); err != nil {
		s.logger.Warn("ownership cache not cleared", "room", room, "error", err)
	}
	s.typing.Forget(room)
	s.setJoined(room, "", false)
	return nil
}

// DestroyRoom deletes a room the local identity owns. A refusal is
// returned as a *PermissionError.
func (s *Session) DestroyRoom(ctx context.Context, room, reason string) error {
	if _, err := s.request(ctx, stanza.DestroyRoom(s.newID(), room, reason)); err != nil {
		return classify("destroy", room, err)
	}
	if err := s.affiliations.Forget(ctx, room); err != nil {
		s.logger.Warn("ownership cache not cleared", "room", room, "error", err)
	}
	s.typing.Forget(room)
	s.mu.Lock()
	delete(s.rooms, room)
	if s.active == room {
		s.active = ""
	}
	s.mu.Unlock()
	s.logger.Info("room destroyed", "room", room)
	s.emit(Event{Kind: EventRooms, Conversation: room})
	return nil
}

// SetAffiliation changes a member's affiliation in room. A refusal is
// returned as a *PermissionError.
func (s *Session) SetAffiliation(ctx context.Context, room, member, affiliation, reason string) error {
	if _, err := s.request(ctx, stanza.SetAffiliation(s.newID(), room, member, affiliation, reason)); err != nil {
		return classify("set affiliation", room, err)
	}
	s.affiliations.Apply(room, member, affiliation)
	return nil
}

// FetchAffiliations reloads and returns a room's affiliation set.
func (s *Session) FetchAffiliations(ctx context.Context, room string) ([]affiliation.Member, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	return s.affiliations.FetchAffiliations(ctx, room)
}

func (s *Session) queryAffiliations(ctx context.Context, room string) ([]stanza.RoomItem, error) {
	reply, err := s.request(ctx, stanza.AffiliationQuery(s.newID(), room))
	if err != nil {
		return nil, classify("affiliations", room, err)
	}
	return stanza.ParseAffiliationItems(reply), nil
}

// Block asks the server to block contact and marks it blocked.
func (s *Session) Block(ctx context.Context, contact string) error {
	if _, err := s.request(ctx, stanza.Block(s.newID(), contact)); err != nil {
		return classify("block", contact, err)
	}
	s.updateContact(contact, func(c *Contact) { c.Blocked = true })
	return nil
}

// Unblock lifts a block on contact.
func (s *Session) Unblock(ctx context.Context, contact string) error {
	if _, err := s.request(ctx, stanza.Unblock(s.newID(), contact)); err != nil {
		return classify("unblock", contact, err)
	}
	s.updateContact(contact, func(c *Contact) { c.Blocked = false })
	return nil
}

// Mute sets the local mute flag of contact. Nothing is sent.
func (s *Session) Mute(contact string, muted bool) {
	s.updateContact(contact, func(c *Contact) { c.Muted = muted })
}

func (s *Session) updateContact(contact string, update func(*Contact)) {
	bare := address.BareOf(contact)
	s.mu.Lock()
	state, ok := s.contacts[bare]
	if !ok {
		state = &Contact{Address: bare}
		s.contacts[bare] = state
	}
	update(state)
	s.mu.Unlock()
	s.emit(Event{Kind: EventContacts, Conversation: bare})
}
