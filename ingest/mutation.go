// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"slices"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/stanza"
)

type mutationKind string

const (
	mutationReceipt   mutationKind = "receipt"
	mutationDisplayed mutationKind = "displayed"
	mutationReactions mutationKind = "reactions"
	mutationRetract   mutationKind = "retract"
	mutationVote      mutationKind = "vote"
	mutationClose     mutationKind = "close"
)

// mutation changes an already logged message. target is a message id,
// or a poll id for votes and closes.
type mutation struct {
	kind   mutationKind
	target string
	emojis []string
	option string
}

func parseMutation(unit stanza.Unit) (mutation, bool) {
	if id, ok := stanza.ParseReceipt(unit); ok {
		return mutation{kind: mutationReceipt, target: id}, true
	}
	if id, ok := stanza.ParseDisplayed(unit); ok {
		return mutation{kind: mutationDisplayed, target: id}, true
	}
	if id, emojis, ok := stanza.ParseReactions(unit); ok {
		return mutation{kind: mutationReactions, target: id, emojis: emojis}, true
	}
	if id, ok := stanza.ParseRetract(unit); ok {
		return mutation{kind: mutationRetract, target: id}, true
	}
	if pollID, option, ok := stanza.ParsePollVote(unit); ok {
		return mutation{kind: mutationVote, target: pollID, option: option}, true
	}
	if pollID, ok := stanza.ParsePollClose(unit); ok {
		return mutation{kind: mutationClose, target: pollID}, true
	}
	return mutation{}, false
}

func (p *Pipeline) applyMutationLocked(item Item, change mutation) []Change {
	unit := item.Unit
	from, to := unit.From(), unit.To()
	reject := func(reason string) []Change {
		p.stats.Rejected++
		p.metrics.IngestRejected(reason)
		p.logger.Debug("ingest mutation rejected",
			"kind", string(change.kind),
			"target", change.target,
			"reason", reason,
		)
		return nil
	}
	if !allowedType(unit.Type()) {
		return reject(RejectType)
	}
	if from == "" {
		return reject(RejectSender)
	}
	if _, err := address.Parse(from); err != nil {
		return reject(RejectAddress)
	}

	group := unit.Type() == stanza.TypeGroupChat
	mine := p.identity.IsMine(from, group)
	if mine && !group && to == "" {
		return reject(RejectPeer)
	}
	conversation := p.identity.Conversation(from, to, group, mine)
	target := p.findTargetLocked(conversation, change)
	if target == nil {
		p.stats.Ignored++
		p.logger.Debug("ingest mutation target unknown",
			"kind", string(change.kind),
			"conversation", conversation,
			"target", change.target,
		)
		return nil
	}
	p.stats.Mutations++

	actor := Participant(from, group)
	updated := Change{Kind: ChangeUpdated, Conversation: conversation, MessageID: target.ID}
	switch change.kind {
	case mutationReceipt:
		if target.Mine && !mine && target.promote(StatusDelivered) {
			return []Change{updated}
		}

	case mutationDisplayed:
		switch {
		case target.Mine && !mine:
			if target.promote(StatusRead) {
				return []Change{updated}
			}
		case !target.Mine && mine:
			// Another client of this account read it.
			if err := p.persistReadMarker(context.Background(), conversation, target.ID); err != nil {
				p.logger.Warn("read marker write failed",
					"conversation", conversation,
					"id", target.ID,
					"error", err,
				)
			}
			if target.promote(StatusRead) {
				return []Change{updated}
			}
		}

	case mutationReactions:
		emojis := uniqueEmojis(change.emojis)
		current := target.Reactions[actor]
		if slices.Equal(current, emojis) {
			return nil
		}
		if len(emojis) == 0 {
			delete(target.Reactions, actor)
		} else {
			if target.Reactions == nil {
				target.Reactions = make(map[string][]string)
			}
			target.Reactions[actor] = emojis
		}
		return []Change{updated}

	case mutationRetract:
		if Participant(target.Sender, group) != actor {
			p.logger.Debug("retraction by non-author ignored",
				"conversation", conversation,
				"target", target.ID,
				"actor", actor,
			)
			return nil
		}
		p.removeLocked(target)
		return []Change{{Kind: ChangeRemoved, Conversation: conversation, MessageID: target.ID}}

	case mutationVote:
		poll := target.Poll
		if poll.Closed || !poll.hasOption(change.option) || poll.Votes[actor] == change.option {
			return nil
		}
		poll.Votes[actor] = change.option
		return []Change{updated}

	case mutationClose:
		if target.Poll.Closed || target.Poll.Creator != actor {
			return nil
		}
		target.Poll.Closed = true
		return []Change{updated}
	}
	return nil
}

func (p *Pipeline) findTargetLocked(conversation string, change mutation) *Message {
	log := p.logs[conversation]
	if log == nil {
		return nil
	}
	if change.kind != mutationVote && change.kind != mutationClose {
		return log.byID[change.target]
	}
	for _, message := range log.messages {
		if message.Poll != nil && message.Poll.Poll.ID == change.target {
			return message
		}
	}
	return nil
}

// uniqueEmojis drops repeats while keeping first-seen order.
func uniqueEmojis(emojis []string) []string {
	var unique []string
	for _, emoji := range emojis {
		if emoji != "" && !slices.Contains(unique, emoji) {
			unique = append(unique, emoji)
		}
	}
	return unique
}
