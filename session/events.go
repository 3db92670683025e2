// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/bureau-foundation/chatsync/health"
	"github.com/bureau-foundation/chatsync/refresh"
)

// EventKind identifies what part of the session state changed.
type EventKind string

const (
	EventMessages     EventKind = "messages"
	EventTyping       EventKind = "typing"
	EventAffiliations EventKind = "affiliations"
	EventQuality      EventKind = "quality"
	EventContacts     EventKind = "contacts"
	EventRooms        EventKind = "rooms"
	EventRefresh      EventKind = "refresh"
	EventConnection   EventKind = "connection"
)

// Event tells the UI which accessor to re-read. Events carry no state
// of their own beyond what is needed to route them.
type Event struct {
	Kind         EventKind       `json:"kind"`
	Conversation string          `json:"conversation,omitempty"`
	Quality      health.Quality  `json:"quality"`
	Connected    bool            `json:"connected,omitempty"`
	Report       *refresh.Report `json:"report,omitempty"`
}

// Events returns the change notification channel. Notifications are
// dropped, not queued, when the consumer falls behind the buffer.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Debug("event dropped", "kind", string(event.Kind), "conversation", event.Conversation)
	}
}
