// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"strconv"
	"time"
)

// Room affiliations, highest first.
const (
	AffiliationOwner   = "owner"
	AffiliationAdmin   = "admin"
	AffiliationMember  = "member"
	AffiliationNone    = "none"
	AffiliationOutcast = "outcast"
)

// Chat states.
const (
	ChatStateActive    = "active"
	ChatStateComposing = "composing"
	ChatStatePaused    = "paused"
	ChatStateInactive  = "inactive"
	ChatStateGone      = "gone"
)

// Ping returns a liveness probe addressed to the server (empty to).
func Ping(id, to string) Unit {
	return NewIQ(IQGet, to, id, NewElement(NamespacePing, "ping"))
}

// Result returns an empty result reply to an IQ request.
func Result(request Unit) Unit {
	return Wrap(NewElement(NamespaceClient, "iq",
		"type", IQResult, "to", request.From(), "from", request.To(), "id", request.ID()))
}

// ArchiveQuery requests archived messages newer than start. to is empty
// for the account archive or a room address for a room archive; with,
// if set, filters the account archive to one peer.
func ArchiveQuery(id, queryID, to string, start time.Time, with string, max int) Unit {
	form := NewElement(NamespaceDataForm, "x", "type", "submit")
	form.Append(
		NewElement(NamespaceDataForm, "field", "var", "FORM_TYPE", "type", "hidden").
			Append(NewElement(NamespaceDataForm, "value").WithText(NamespaceArchive)),
		NewElement(NamespaceDataForm, "field", "var", "start").
			Append(NewElement(NamespaceDataForm, "value").WithText(start.UTC().Format(time.RFC3339))),
	)
	if with != "" {
		form.Append(NewElement(NamespaceDataForm, "field", "var", "with").
			Append(NewElement(NamespaceDataForm, "value").WithText(with)))
	}
	query := NewElement(NamespaceArchive, "query", "queryid", queryID).Append(form)
	if max > 0 {
		query.Append(NewElement(NamespaceResultSet, "set").
			Append(NewElement(NamespaceResultSet, "max").WithText(strconv.Itoa(max))))
	}
	return NewIQ(IQSet, to, id, query)
}

// AffiliationQuery requests the owner, admin, and member lists of room.
func AffiliationQuery(id, room string) Unit {
	query := NewElement(NamespaceMUCAdmin, "query").Append(
		NewElement(NamespaceMUCAdmin, "item", "affiliation", AffiliationOwner),
		NewElement(NamespaceMUCAdmin, "item", "affiliation", AffiliationAdmin),
		NewElement(NamespaceMUCAdmin, "item", "affiliation", AffiliationMember),
	)
	return NewIQ(IQGet, room, id, query)
}

// SetAffiliation changes member's affiliation in room.
func SetAffiliation(id, room, member, affiliation, reason string) Unit {
	item := NewElement(NamespaceMUCAdmin, "item", "jid", member, "affiliation", affiliation)
	if reason != "" {
		item.Append(NewElement(NamespaceMUCAdmin, "reason").WithText(reason))
	}
	return NewIQ(IQSet, room, id, NewElement(NamespaceMUCAdmin, "query").Append(item))
}

// JoinRoom returns the presence that enters room under nick. since, if
// non-zero, limits the discussion history the room replays.
func JoinRoom(room, nick string, since time.Time) Unit {
	presence := NewPresence(room+"/"+nick, "")
	join := NewElement(NamespaceMUC, "x")
	if !since.IsZero() {
		join.Append(NewElement(NamespaceMUC, "history", "since", since.UTC().Format(time.RFC3339)))
	}
	presence.element.Append(join)
	return presence
}

// LeaveRoom returns the presence that exits room.
func LeaveRoom(room, nick string) Unit {
	return NewPresence(room+"/"+nick, PresenceUnavailable)
}

// InstantRoom accepts the default configuration of a newly created room.
func InstantRoom(id, room string) Unit {
	query := NewElement(NamespaceMUCOwner, "query").
		Append(NewElement(NamespaceDataForm, "x", "type", "submit"))
	return NewIQ(IQSet, room, id, query)
}

// DestroyRoom asks the service to delete room.
func DestroyRoom(id, room, reason string) Unit {
	destroy := NewElement(NamespaceMUCOwner, "destroy")
	if reason != "" {
		destroy.Append(NewElement(NamespaceMUCOwner, "reason").WithText(reason))
	}
	return NewIQ(IQSet, room, id, NewElement(NamespaceMUCOwner, "query").Append(destroy))
}

// ChatMessage returns a body message that requests a delivery receipt,
// marks the conversation active, and carries id as its origin-id.
func ChatMessage(to, messageType, id, body string) Unit {
	message := NewMessage(to, messageType, id)
	message.element.Append(
		NewElement(NamespaceClient, "body").WithText(body),
		NewElement(NamespaceReceipts, "request"),
		NewElement(NamespaceMarkers, "markable"),
		NewElement(NamespaceChatStates, ChatStateActive),
		NewElement(NamespaceStanzaID, "origin-id", "id", id),
	)
	return message
}

// FileMessage shares an uploaded file by URL.
func FileMessage(to, messageType, id, url, description string) Unit {
	message := ChatMessage(to, messageType, id, url)
	oob := NewElement(NamespaceOOB, "x").Append(NewElement(NamespaceOOB, "url").WithText(url))
	if description != "" {
		oob.Append(NewElement(NamespaceOOB, "desc").WithText(description))
	}
	message.element.Append(oob)
	return message
}

// PollMessage publishes poll. The body carries the question so clients
// without poll support still show something.
func PollMessage(to, messageType, id string, poll Poll) Unit {
	message := ChatMessage(to, messageType, id, poll.Question)
	element := NewElement(NamespacePoll, "poll", "id", poll.ID, "question", poll.Question)
	for _, option := range poll.Options {
		element.Append(NewElement(NamespacePoll, "option", "id", option.ID).WithText(option.Text))
	}
	message.element.Append(element)
	return message
}

// PollVote casts the sender's vote for optionID in pollID.
func PollVote(to, messageType, id, pollID, optionID string) Unit {
	message := NewMessage(to, messageType, id)
	message.element.Append(NewElement(NamespacePoll, "vote", "poll", pollID, "option", optionID))
	return message
}

// PollClose ends voting on pollID.
func PollClose(to, messageType, id, pollID string) Unit {
	message := NewMessage(to, messageType, id)
	message.element.Append(NewElement(NamespacePoll, "close", "poll", pollID))
	return message
}

// Receipt acknowledges delivery of messageID.
func Receipt(to, id, messageID string) Unit {
	message := NewMessage(to, TypeChat, id)
	message.element.Append(NewElement(NamespaceReceipts, "received", "id", messageID))
	return message
}

// Displayed marks messageID, and everything before it, as read.
func Displayed(to, messageType, id, messageID string) Unit {
	message := NewMessage(to, messageType, id)
	message.element.Append(NewElement(NamespaceMarkers, "displayed", "id", messageID))
	return message
}

// ChatState returns a standalone chat-state notification.
func ChatState(to, messageType, state string) Unit {
	message := NewMessage(to, messageType, "")
	message.element.Append(NewElement(NamespaceChatStates, state))
	return message
}

// Reactions replaces the sender's reactions to messageID.
func Reactions(to, messageType, id, messageID string, emojis []string) Unit {
	message := NewMessage(to, messageType, id)
	element := NewElement(NamespaceReactions, "reactions", "id", messageID)
	for _, emoji := range emojis {
		element.Append(NewElement(NamespaceReactions, "reaction").WithText(emoji))
	}
	message.element.Append(element)
	return message
}

// Retract withdraws messageID.
func Retract(to, messageType, id, messageID string) Unit {
	message := NewMessage(to, messageType, id)
	message.element.Append(NewElement(NamespaceRetract, "retract", "id", messageID))
	return message
}

// RosterQuery requests the contact list.
func RosterQuery(id string) Unit {
	return NewIQ(IQGet, "", id, NewElement(NamespaceRoster, "query"))
}

// BookmarksQuery requests the stored room bookmarks.
func BookmarksQuery(id string) Unit {
	pubsub := NewElement(NamespacePubSub, "pubsub").
		Append(NewElement(NamespacePubSub, "items", "node", NamespaceBookmarks))
	return NewIQ(IQGet, "", id, pubsub)
}

// Block adds contact to the block list.
func Block(id, contact string) Unit {
	block := NewElement(NamespaceBlocking, "block").
		Append(NewElement(NamespaceBlocking, "item", "jid", contact))
	return NewIQ(IQSet, "", id, block)
}

// Unblock removes contact from the block list.
func Unblock(id, contact string) Unit {
	unblock := NewElement(NamespaceBlocking, "unblock").
		Append(NewElement(NamespaceBlocking, "item", "jid", contact))
	return NewIQ(IQSet, "", id, unblock)
}

// EnableCarbons asks the server to copy messages from the account's
// other clients to this one.
func EnableCarbons(id string) Unit {
	return NewIQ(IQSet, "", id, NewElement(NamespaceCarbons, "enable"))
}

// Probe asks the server for contact's current presence.
func Probe(contact string) Unit {
	return NewPresence(contact, PresenceProbe)
}

// Available returns the initial available presence.
func Available() Unit {
	return NewPresence("", "")
}
