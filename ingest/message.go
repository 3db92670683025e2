// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/chatsync/stanza"
)

// DeliveryStatus is how far a message has progressed toward its reader.
// Statuses only move forward.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source identifies which stream produced an item.
type Source string

const (
	SourceLive    Source = "live"
	SourceArchive Source = "archive"
	SourceCarbon  Source = "carbon"
	SourceLocal   Source = "local"
)

// Attachment is a file shared by URL.
type Attachment struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// PollState is a poll carried by a message plus its votes.
type PollState struct {
	Poll    stanza.Poll `json:"poll"`
	Creator string      `json:"creator"`
	// Votes maps voter identity to option id.
	Votes  map[string]string `json:"votes,omitempty"`
	Closed bool              `json:"closed"`
}

// Tally returns the vote count per option id, including options with
// no votes.
func (p *PollState) Tally() map[string]int {
	tally := make(map[string]int, len(p.Poll.Options))
	for _, option := range p.Poll.Options {
		tally[option.ID] = 0
	}
	for _, option := range p.Votes {
		tally[option]++
	}
	return tally
}

func (p *PollState) hasOption(optionID string) bool {
	for _, option := range p.Poll.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}

// Message is one entry of a conversation log. Only Status, Reactions,
// and Poll change after admission.
type Message struct {
	// ID is the protocol id, or a locally generated one when the
	// unit carried none.
	ID        string `json:"id"`
	ArchiveID string `json:"archive_id,omitempty"`

	Conversation string    `json:"conversation"`
	Sender       string    `json:"sender"`
	Recipient    string    `json:"recipient,omitempty"`
	Type         string    `json:"type"`
	Body         string    `json:"body"`
	Timestamp    time.Time `json:"timestamp"`
	Mine         bool      `json:"mine"`
	Source       Source    `json:"source"`

	Status DeliveryStatus `json:"status"`
	// Reactions maps reactor identity to their emoji set.
	Reactions  map[string][]string `json:"reactions,omitempty"`
	Attachment *Attachment         `json:"attachment,omitempty"`
	Poll       *PollState          `json:"poll,omitempty"`
	// Encrypted marks an end-to-end encrypted payload that was not
	// decrypted; Body holds the sender's fallback text.
	Encrypted bool `json:"encrypted,omitempty"`
}

// clone returns a deep copy safe to hand to readers.
func (m *Message) clone() Message {
	copied := *m
	if m.Reactions != nil {
		copied.Reactions = make(map[string][]string, len(m.Reactions))
		for reactor, emojis := range m.Reactions {
			copied.Reactions[reactor] = slices.Clone(emojis)
		}
	}
	if m.Attachment != nil {
		attachment := *m.Attachment
		copied.Attachment = &attachment
	}
	if m.Poll != nil {
		poll := *m.Poll
		poll.Poll.Options = slices.Clone(m.Poll.Poll.Options)
		poll.Votes = maps.Clone(m.Poll.Votes)
		copied.Poll = &poll
	}
	return copied
}

// promote advances Status to status if that is forward progress.
func (m *Message) promote(status DeliveryStatus) bool {
	if status <= m.Status {
		return false
	}
	m.Status = status
	return true
}
