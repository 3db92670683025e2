// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

// Protocol namespaces.
const (
	NamespaceClient     = "jabber:client"
	NamespaceStanzas    = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NamespacePing       = "urn:xmpp:ping"
	NamespaceArchive    = "urn:xmpp:mam:2"
	NamespaceDataForm   = "jabber:x:data"
	NamespaceResultSet  = "http://jabber.org/protocol/rsm"
	NamespaceForward    = "urn:xmpp:forward:0"
	NamespaceDelay      = "urn:xmpp:delay"
	NamespaceMUC        = "http://jabber.org/protocol/muc"
	NamespaceMUCUser    = "http://jabber.org/protocol/muc#user"
	NamespaceMUCAdmin   = "http://jabber.org/protocol/muc#admin"
	NamespaceMUCOwner   = "http://jabber.org/protocol/muc#owner"
	NamespaceReceipts   = "urn:xmpp:receipts"
	NamespaceMarkers    = "urn:xmpp:chat-markers:0"
	NamespaceChatStates = "http://jabber.org/protocol/chatstates"
	NamespaceCarbons    = "urn:xmpp:carbons:2"
	NamespaceReactions  = "urn:xmpp:reactions:0"
	NamespaceRetract    = "urn:xmpp:message-retract:1"
	NamespaceOOB        = "jabber:x:oob"
	NamespacePoll       = "urn:chatsync:poll:0"
	NamespaceRoster     = "jabber:iq:roster"
	NamespacePubSub     = "http://jabber.org/protocol/pubsub"
	NamespaceBookmarks  = "urn:xmpp:bookmarks:1"
	NamespaceBlocking   = "urn:xmpp:blocking"
	NamespaceStanzaID   = "urn:xmpp:sid:0"
	NamespaceAxolotl    = "eu.siacs.conversations.axolotl"
	NamespaceOMEMO      = "urn:xmpp:omemo:2"
)

// Room status codes carried in muc#user presence.
const (
	StatusSelfPresence = 110
	StatusRoomCreated  = 201
)
