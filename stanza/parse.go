// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"strconv"
	"time"
)

// RoomItem is one member entry from a room presence or an affiliation
// list. Address is empty when the room hides real addresses.
type RoomItem struct {
	Address     string
	Nick        string
	Affiliation string
	Role        string
}

// RoomPresence is the room-specific content of a presence from a room
// occupant.
type RoomPresence struct {
	Item        RoomItem
	StatusCodes []int
}

// HasStatus reports whether code is among the status codes.
func (p RoomPresence) HasStatus(code int) bool {
	for _, status := range p.StatusCodes {
		if status == code {
			return true
		}
	}
	return false
}

// RosterItem is one contact list entry.
type RosterItem struct {
	Address      string
	Name         string
	Subscription string
	Groups       []string
}

// Bookmark is one stored room.
type Bookmark struct {
	Room     string
	Name     string
	Nick     string
	Autojoin bool
}

// Poll is a question with fixed options.
type Poll struct {
	ID       string
	Question string
	Options  []PollOption
}

// PollOption is one answer of a Poll.
type PollOption struct {
	ID   string
	Text string
}

// ArchiveResult is one message replayed from an archive.
type ArchiveResult struct {
	QueryID   string
	ArchiveID string
	Stamp     time.Time
	// Message is the forwarded original, with its delay stamp applied
	// by the archive.
	Message Unit
}

// ParseArchiveResult extracts the forwarded message from an archive
// result. ok is false if u is not an archive result.
func ParseArchiveResult(u Unit) (ArchiveResult, bool) {
	result := u.Child(NamespaceArchive, "result")
	if result == nil {
		return ArchiveResult{}, false
	}
	forwarded := result.Child(NamespaceForward, "forwarded")
	if forwarded == nil {
		return ArchiveResult{}, false
	}
	message := forwarded.Child("", "message")
	if message == nil {
		return ArchiveResult{}, false
	}
	stamp, _ := delayStamp(forwarded)
	return ArchiveResult{
		QueryID:   result.Attribute("queryid"),
		ArchiveID: result.Attribute("id"),
		Stamp:     stamp,
		Message:   Wrap(message),
	}, true
}

// ArchiveComplete reports whether an archive query result marks the
// final page.
func ArchiveComplete(u Unit) bool {
	fin := u.Child(NamespaceArchive, "fin")
	return fin != nil && fin.Attribute("complete") == "true"
}

// Carbon direction.
const (
	CarbonSent     = "sent"
	CarbonReceived = "received"
)

// ParseCarbon unwraps a carbon copy. direction is CarbonSent for a
// message this account sent from another client.
func ParseCarbon(u Unit) (message Unit, direction string, ok bool) {
	for _, candidate := range []string{CarbonSent, CarbonReceived} {
		wrapper := u.Child(NamespaceCarbons, candidate)
		if wrapper == nil {
			continue
		}
		inner := wrapper.Child(NamespaceForward, "forwarded").Child("", "message")
		if inner == nil {
			return Unit{}, "", false
		}
		return Wrap(inner), candidate, true
	}
	return Unit{}, "", false
}

// ParseRoomPresence extracts the muc#user payload of a presence.
func ParseRoomPresence(u Unit) (RoomPresence, bool) {
	x := u.Child(NamespaceMUCUser, "x")
	if x == nil {
		return RoomPresence{}, false
	}
	var presence RoomPresence
	if item := x.Child(NamespaceMUCUser, "item"); item != nil {
		presence.Item = roomItem(item)
	}
	for _, status := range x.ChildrenNamed(NamespaceMUCUser, "status") {
		if code, err := strconv.Atoi(status.Attribute("code")); err == nil {
			presence.StatusCodes = append(presence.StatusCodes, code)
		}
	}
	return presence, true
}

// ParseAffiliationItems returns the items of an affiliation query
// result, in document order.
func ParseAffiliationItems(u Unit) []RoomItem {
	query := u.Child(NamespaceMUCAdmin, "query")
	var items []RoomItem
	for _, item := range query.ChildrenNamed(NamespaceMUCAdmin, "item") {
		items = append(items, roomItem(item))
	}
	return items
}

func roomItem(element *Element) RoomItem {
	affiliation := element.Attribute("affiliation")
	if affiliation == "" {
		affiliation = AffiliationNone
	}
	return RoomItem{
		Address:     element.Attribute("jid"),
		Nick:        element.Attribute("nick"),
		Affiliation: affiliation,
		Role:        element.Attribute("role"),
	}
}

// ParseRoster returns the entries of a roster result or push.
func ParseRoster(u Unit) []RosterItem {
	query := u.Child(NamespaceRoster, "query")
	var items []RosterItem
	for _, item := range query.ChildrenNamed(NamespaceRoster, "item") {
		entry := RosterItem{
			Address:      item.Attribute("jid"),
			Name:         item.Attribute("name"),
			Subscription: item.Attribute("subscription"),
		}
		for _, group := range item.ChildrenNamed(NamespaceRoster, "group") {
			entry.Groups = append(entry.Groups, group.Text)
		}
		items = append(items, entry)
	}
	return items
}

// ParseBookmarks returns the rooms in a bookmarks items result. The
// item id is the room address.
func ParseBookmarks(u Unit) []Bookmark {
	items := u.Child(NamespacePubSub, "pubsub").Child(NamespacePubSub, "items")
	var bookmarks []Bookmark
	for _, item := range items.ChildrenNamed(NamespacePubSub, "item") {
		conference := item.Child(NamespaceBookmarks, "conference")
		bookmark := Bookmark{Room: item.Attribute("id")}
		if conference != nil {
			bookmark.Name = conference.Attribute("name")
			bookmark.Autojoin = conference.Attribute("autojoin") == "true" || conference.Attribute("autojoin") == "1"
			bookmark.Nick = conference.ChildText(NamespaceBookmarks, "nick")
		}
		bookmarks = append(bookmarks, bookmark)
	}
	return bookmarks
}

// ParseChatState returns the chat state carried by a message.
func ParseChatState(u Unit) (string, bool) {
	state := u.element.ChildInNamespace(NamespaceChatStates)
	if state == nil {
		return "", false
	}
	return state.Name.Local, true
}

// ReceiptRequested reports whether the sender asked for a delivery
// receipt.
func ReceiptRequested(u Unit) bool {
	return u.Child(NamespaceReceipts, "request") != nil
}

// ParseReceipt returns the id acknowledged by a delivery receipt.
func ParseReceipt(u Unit) (string, bool) {
	received := u.Child(NamespaceReceipts, "received")
	if received == nil {
		return "", false
	}
	return received.Attribute("id"), true
}

// ParseDisplayed returns the id marked read by a chat marker.
func ParseDisplayed(u Unit) (string, bool) {
	displayed := u.Child(NamespaceMarkers, "displayed")
	if displayed == nil {
		return "", false
	}
	return displayed.Attribute("id"), true
}

// ParseReactions returns the target id and the sender's full reaction
// set. An empty set removes the sender's reactions.
func ParseReactions(u Unit) (messageID string, emojis []string, ok bool) {
	reactions := u.Child(NamespaceReactions, "reactions")
	if reactions == nil {
		return "", nil, false
	}
	for _, reaction := range reactions.ChildrenNamed(NamespaceReactions, "reaction") {
		if reaction.Text != "" {
			emojis = append(emojis, reaction.Text)
		}
	}
	return reactions.Attribute("id"), emojis, true
}

// ParseRetract returns the id a retraction withdraws.
func ParseRetract(u Unit) (string, bool) {
	retract := u.Child(NamespaceRetract, "retract")
	if retract == nil {
		return "", false
	}
	return retract.Attribute("id"), true
}

// ParseOOB returns an out-of-band file reference.
func ParseOOB(u Unit) (url, description string, ok bool) {
	oob := u.Child(NamespaceOOB, "x")
	if oob == nil {
		return "", "", false
	}
	return oob.ChildText(NamespaceOOB, "url"), oob.ChildText(NamespaceOOB, "desc"), true
}

// ParsePoll returns a poll definition.
func ParsePoll(u Unit) (Poll, bool) {
	element := u.Child(NamespacePoll, "poll")
	if element == nil {
		return Poll{}, false
	}
	poll := Poll{ID: element.Attribute("id"), Question: element.Attribute("question")}
	for _, option := range element.ChildrenNamed(NamespacePoll, "option") {
		poll.Options = append(poll.Options, PollOption{ID: option.Attribute("id"), Text: option.Text})
	}
	return poll, true
}

// ParsePollVote returns a vote's poll and option ids.
func ParsePollVote(u Unit) (pollID, optionID string, ok bool) {
	vote := u.Child(NamespacePoll, "vote")
	if vote == nil {
		return "", "", false
	}
	return vote.Attribute("poll"), vote.Attribute("option"), true
}

// ParsePollClose returns the id of a closed poll.
func ParsePollClose(u Unit) (string, bool) {
	closing := u.Child(NamespacePoll, "close")
	if closing == nil {
		return "", false
	}
	return closing.Attribute("poll"), true
}

// HasEncryptedEnvelope reports whether the message carries an
// end-to-end encrypted payload. The payload itself is not decrypted.
func HasEncryptedEnvelope(u Unit) bool {
	return u.Child(NamespaceAxolotl, "encrypted") != nil ||
		u.Child(NamespaceOMEMO, "encrypted") != nil
}

// IsPing reports whether u is a liveness probe request.
func IsPing(u Unit) bool {
	return u.Kind() == KindIQ && u.Type() == IQGet && u.Child(NamespacePing, "ping") != nil
}
