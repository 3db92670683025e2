// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatstate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/stanza"
)

// Outbound states of the local participant in one conversation.
type OutboundState int

const (
	Idle OutboundState = iota
	Composing
	Paused
)

func (s OutboundState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry is one remote participant's typing state.
type Entry struct {
	Participant string    `json:"participant"`
	State       string    `json:"state"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config wires a Tracker.
type Config struct {
	// Timing holds the pause timeout and remote TTL. The zero value
	// means config.Default().Typing.
	Timing config.TypingConfig

	// Local is the session identity. Required.
	Local address.Address

	// LocalNick returns the local nickname in room, or "" when not
	// joined. Nil means rooms are matched by address forms only.
	LocalNick func(room string) string

	// Send emits outbound chat-state notifications. Required.
	Send func(stanza.Unit)

	// OnChange is called with a conversation key whenever its remote
	// typing set changes. May be nil.
	OnChange func(conversation string)

	Clock  clock.Clock
	Logger *slog.Logger
}

type outbound struct {
	state       OutboundState
	messageType string
	pause       *clock.Timer
}

type remote struct {
	entry  Entry
	expiry *clock.Timer
}

// Tracker keeps outbound typing state for the local participant and
// self-expiring remote typing state for everyone else.
type Tracker struct {
	timing    config.TypingConfig
	local     address.Address
	localNick func(room string) string
	send      func(stanza.Unit)
	onChange  func(conversation string)
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	outbound map[string]*outbound
	// remote is keyed by conversation, then participant.
	remote map[string]map[string]*remote
}

// NewTracker returns an empty Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("chatstate: local address is required")
	}
	if cfg.Send == nil {
		return nil, fmt.Errorf("chatstate: send function is required")
	}
	if cfg.Timing == (config.TypingConfig{}) {
		cfg.Timing = config.Default().Typing
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.LocalNick == nil {
		cfg.LocalNick = func(string) string { return "" }
	}
	return &Tracker{
		timing:    cfg.Timing,
		local:     cfg.Local,
		localNick: cfg.LocalNick,
		send:      cfg.Send,
		onChange:  cfg.OnChange,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		outbound:  make(map[string]*outbound),
		remote:    make(map[string]map[string]*remote),
	}, nil
}

// Keystroke records local input in conversation. The first keystroke
// (or one after a pause) emits composing; every keystroke restarts the
// pause timeout.
func (t *Tracker) Keystroke(conversation, messageType string) {
	t.mu.Lock()
	state, ok := t.outbound[conversation]
	if !ok {
		state = &outbound{}
		t.outbound[conversation] = state
	}
	state.messageType = messageType
	emit := state.state != Composing
	state.state = Composing
	state.pause.Stop()
	state.pause = t.clock.AfterFunc(t.timing.PauseAfter, func() { t.pauseTimeout(conversation, state) })
	t.mu.Unlock()

	if emit {
		t.send(stanza.ChatState(conversation, messageType, stanza.ChatStateComposing))
	}
}

func (t *Tracker) pauseTimeout(conversation string, expected *outbound) {
	t.mu.Lock()
	state := t.outbound[conversation]
	if state != expected || state.state != Composing {
		t.mu.Unlock()
		return
	}
	state.state = Paused
	state.pause = nil
	messageType := state.messageType
	t.mu.Unlock()

	t.send(stanza.ChatState(conversation, messageType, stanza.ChatStatePaused))
}

// Stop ends local typing in conversation (blur, send, or close) and
// emits active. It is a no-op when already idle.
func (t *Tracker) Stop(conversation string) {
	t.mu.Lock()
	state, ok := t.outbound[conversation]
	if !ok || state.state == Idle {
		t.mu.Unlock()
		return
	}
	state.pause.Stop()
	delete(t.outbound, conversation)
	messageType := state.messageType
	t.mu.Unlock()

	t.send(stanza.ChatState(conversation, messageType, stanza.ChatStateActive))
}

// Sent resets local typing in conversation after a message went out.
// The message carries the active state itself, so nothing is emitted.
func (t *Tracker) Sent(conversation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.outbound[conversation]; ok {
		state.pause.Stop()
		delete(t.outbound, conversation)
	}
}

// OutboundState returns the local participant's state in conversation.
func (t *Tracker) OutboundState(conversation string) OutboundState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.outbound[conversation]; ok {
		return state.state
	}
	return Idle
}

// Participant returns the identifier typing state is keyed by: the
// nickname in a room, the bare address in a direct conversation.
func Participant(sender string, group bool) string {
	if group {
		return address.ResourceOf(sender)
	}
	return address.BareOf(sender)
}

// IsSelf reports whether sender is the local identity in conversation.
func (t *Tracker) IsSelf(conversation, sender string, group bool) bool {
	if sender == t.local.String() {
		return true
	}
	if !group {
		return address.BareOf(sender) == t.local.BareString()
	}
	nick := address.ResourceOf(sender)
	if nick == "" {
		return false
	}
	if localNick := t.localNick(conversation); localNick != "" && nick == localNick {
		return true
	}
	return nick == t.local.BareString() || nick == t.local.String()
}

// OnRemoteState applies an inbound chat state from sender. composing
// and paused refresh the participant's entry; any other state removes
// it. Returns false when the signal was the local identity's own echo.
func (t *Tracker) OnRemoteState(conversation, sender string, group bool, state string) bool {
	if t.IsSelf(conversation, sender, group) {
		return false
	}
	participant := Participant(sender, group)
	if participant == "" {
		return false
	}

	switch state {
	case stanza.ChatStateComposing, stanza.ChatStatePaused:
		t.upsert(conversation, participant, state)
	default:
		t.remove(conversation, participant)
	}
	return true
}

// OnMessageBody clears sender's typing entry: a delivered message ends
// whatever they were composing.
func (t *Tracker) OnMessageBody(conversation, sender string, group bool) {
	if t.IsSelf(conversation, sender, group) {
		return
	}
	t.remove(conversation, Participant(sender, group))
}

func (t *Tracker) upsert(conversation, participant, state string) {
	t.mu.Lock()
	participants, ok := t.remote[conversation]
	if !ok {
		participants = make(map[string]*remote)
		t.remote[conversation] = participants
	}
	current, ok := participants[participant]
	if !ok {
		current = &remote{}
		participants[participant] = current
	}
	changed := current.entry.State != state
	current.entry = Entry{Participant: participant, State: state, UpdatedAt: t.clock.Now()}
	current.expiry.Stop()
	current.expiry = t.clock.AfterFunc(t.timing.TTL, func() { t.expire(conversation, participant, current) })
	t.mu.Unlock()

	if changed {
		t.changed(conversation)
	}
}

func (t *Tracker) expire(conversation, participant string, expected *remote) {
	t.mu.Lock()
	participants := t.remote[conversation]
	current, ok := participants[participant]
	if !ok || current != expected || t.clock.Now().Sub(current.entry.UpdatedAt) < t.timing.TTL {
		t.mu.Unlock()
		return
	}
	t.deleteLocked(conversation, participant)
	t.mu.Unlock()

	t.logger.Debug("typing state expired", "conversation", conversation, "participant", participant)
	t.changed(conversation)
}

func (t *Tracker) remove(conversation, participant string) {
	t.mu.Lock()
	_, ok := t.remote[conversation][participant]
	if ok {
		t.deleteLocked(conversation, participant)
	}
	t.mu.Unlock()

	if ok {
		t.changed(conversation)
	}
}

func (t *Tracker) deleteLocked(conversation, participant string) {
	participants := t.remote[conversation]
	participants[participant].expiry.Stop()
	delete(participants, participant)
	if len(participants) == 0 {
		delete(t.remote, conversation)
	}
}

func (t *Tracker) changed(conversation string) {
	if t.onChange != nil {
		t.onChange(conversation)
	}
}

// Snapshot returns the remote participants typing in conversation,
// ordered by participant. Entries older than the TTL are omitted even
// if their expiry timer has not run yet.
func (t *Tracker) Snapshot(conversation string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var entries []Entry
	for _, current := range t.remote[conversation] {
		if now.Sub(current.entry.UpdatedAt) >= t.timing.TTL {
			continue
		}
		entries = append(entries, current.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Participant < entries[j].Participant })
	return entries
}

// Forget drops all typing state for conversation without emitting
// anything, for example after leaving a room.
func (t *Tracker) Forget(conversation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.outbound[conversation]; ok {
		state.pause.Stop()
		delete(t.outbound, conversation)
	}
	for participant := range t.remote[conversation] {
		t.deleteLocked(conversation, participant)
	}
}

// Close cancels every timer. The Tracker must not be used afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conversation, state := range t.outbound {
		state.pause.Stop()
		delete(t.outbound, conversation)
	}
	for conversation, participants := range t.remote {
		for _, current := range participants {
			current.expiry.Stop()
		}
		delete(t.remote, conversation)
	}
}
