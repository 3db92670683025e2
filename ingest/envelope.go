// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/stanza"
)

// Envelope is the normalized form of an inbound message used for
// deduplication and ordering.
type Envelope struct {
	ID string
	// GeneratedID is set when the unit carried no id and ID was made
	// up locally. Generated ids never match the id index.
	GeneratedID bool
	ArchiveID   string

	Conversation string
	Sender       string
	Recipient    string
	Type         string
	Body         string
	Timestamp    time.Time

	Group bool
	Mine  bool
}

// ValidationError rejects an item before it touches any state.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "ingest: rejected: " + e.Reason
	}
	return fmt.Sprintf("ingest: rejected: %s: %s", e.Reason, e.Detail)
}

// Rejection reasons.
const (
	RejectAddress  = "address"
	RejectBodySize = "body_size"
	RejectType     = "type"
	RejectSender   = "missing_sender"
	RejectPeer     = "missing_recipient"
)

func allowedType(messageType string) bool {
	switch messageType {
	case "", stanza.TypeChat, stanza.TypeGroupChat, stanza.TypeNormal:
		return true
	}
	return false
}

// Identity is the local side of ownership resolution.
type Identity struct {
	Local address.Address
	// Nick returns the local nickname in a room, or "".
	Nick func(room string) string
}

func (id Identity) nick(room string) string {
	if id.Nick == nil {
		return ""
	}
	return id.Nick(room)
}

// IsMine reports whether sender is the local identity. Servers echo
// room identities in several forms, so a group sender matches on the
// nickname, on either address form used as a nickname, or on the
// exact room/nick and room/bare strings.
func (id Identity) IsMine(sender string, group bool) bool {
	bare := id.Local.BareString()
	if group {
		room := address.BareOf(sender)
		senderNick := address.ResourceOf(sender)
		nick := id.nick(room)
		switch {
		case nick != "" && senderNick == nick:
			return true
		case strings.EqualFold(senderNick, bare):
			return true
		case strings.EqualFold(senderNick, id.Local.String()):
			return true
		case nick != "" && sender == room+"/"+nick:
			return true
		case sender == room+"/"+bare:
			return true
		}
		return false
	}
	if address.BareOf(sender) == bare || sender == id.Local.String() {
		return true
	}
	lowered := strings.ToLower(sender)
	return lowered == bare || strings.HasPrefix(lowered, bare+"/")
}

// Conversation returns the conversation key for a message: the room for
// group messages, otherwise the bare address of the other party.
func (id Identity) Conversation(from, to string, group, mine bool) string {
	if group {
		return address.BareOf(from)
	}
	if mine {
		return address.BareOf(to)
	}
	return address.BareOf(from)
}

// Participant is how a sender is identified within a conversation: the
// nickname in rooms, the bare address in direct conversations.
func Participant(sender string, group bool) string {
	if group {
		if nick := address.ResourceOf(sender); nick != "" {
			return nick
		}
		return sender
	}
	return address.BareOf(sender)
}

// Extract validates unit and returns its envelope. The timestamp is
// stamp when non-zero, then the unit's delay stamp, then arrivedAt.
// newID supplies an id for units that carry none.
func Extract(unit stanza.Unit, identity Identity, stamp, arrivedAt time.Time, maxBody int, newID func() string) (Envelope, error) {
	messageType := unit.Type()
	if !allowedType(messageType) {
		return Envelope{}, &ValidationError{Reason: RejectType, Detail: messageType}
	}
	from, to := unit.From(), unit.To()
	if from == "" {
		return Envelope{}, &ValidationError{Reason: RejectSender}
	}
	if _, err := address.Parse(from); err != nil {
		return Envelope{}, &ValidationError{Reason: RejectAddress, Detail: err.Error()}
	}
	if to != "" {
		if _, err := address.Parse(to); err != nil {
			return Envelope{}, &ValidationError{Reason: RejectAddress, Detail: err.Error()}
		}
	}
	body := unit.Body()
	if maxBody > 0 && len(body) > maxBody {
		return Envelope{}, &ValidationError{
			Reason: RejectBodySize,
			Detail: fmt.Sprintf("%d bytes exceeds %d", len(body), maxBody),
		}
	}

	group := messageType == stanza.TypeGroupChat
	mine := identity.IsMine(from, group)
	if mine && !group && to == "" {
		return Envelope{}, &ValidationError{Reason: RejectPeer}
	}

	envelope := Envelope{
		ID:           unit.ID(),
		Conversation: identity.Conversation(from, to, group, mine),
		Sender:       from,
		Recipient:    to,
		Type:         messageType,
		Body:         body,
		Group:        group,
		Mine:         mine,
	}
	if envelope.ID == "" {
		envelope.ID = unit.OriginID()
	}
	if envelope.ID == "" && newID != nil {
		envelope.ID = newID()
		envelope.GeneratedID = true
	}
	switch delay, ok := unit.Delay(); {
	case !stamp.IsZero():
		envelope.Timestamp = stamp
	case ok:
		envelope.Timestamp = delay
	default:
		envelope.Timestamp = arrivedAt
	}
	envelope.Timestamp = envelope.Timestamp.UTC()
	return envelope, nil
}
