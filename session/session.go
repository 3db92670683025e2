// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatsync/affiliation"
	"github.com/bureau-foundation/chatsync/chatstate"
	"github.com/bureau-foundation/chatsync/health"
	"github.com/bureau-foundation/chatsync/ingest"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/refresh"
	"github.com/bureau-foundation/chatsync/stanza"
	"github.com/bureau-foundation/chatsync/transport"
)

// Config wires a Session.
type Config struct {
	// Settings holds every component's tuning. Nil means
	// config.Default().
	Settings *config.Config

	// Local is the authenticated identity. Required.
	Local address.Address

	// Nickname is the default room nickname. Empty means the local
	// part of Local.
	Nickname string

	// Transport carries outbound units. Required. Inbound units are
	// handed to Deliver.
	Transport transport.Transport

	// Store persists the ownership cache and read markers. Nil means
	// an in-memory store.
	Store kvstore.Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewID generates stanza ids. Nil means uuid.NewString.
	NewID func() string
}

// Room is a known group conversation.
type Room struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Nick     string `json:"nick"`
	Autojoin bool   `json:"autojoin"`
	Joined   bool   `json:"joined"`
	// Owner mirrors the affiliation reconciler's answer for the local
	// identity. It is refreshed whenever the room's affiliations change.
	Owner bool `json:"owner"`
}

// Contact is a roster entry with its observed presence.
type Contact struct {
	Address      string   `json:"address"`
	Name         string   `json:"name,omitempty"`
	Subscription string   `json:"subscription,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	Available    bool     `json:"available"`
	Show         string   `json:"show,omitempty"`
	Status       string   `json:"status,omitempty"`
	Muted        bool     `json:"muted"`
	Blocked      bool     `json:"blocked"`
}

type inbound struct {
	unit    stanza.Unit
	barrier chan struct{}
}

// Session is the single context object of one logged-in identity: it
// owns every component, dispatches inbound units to them in arrival
// order, and exposes read accessors and actions to the UI.
type Session struct {
	settings  config.Config
	local     address.Address
	nickname  string
	transport transport.Transport
	store     kvstore.Store
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newID     func() string

	health       *health.Monitor
	typing       *chatstate.Tracker
	pipeline     *ingest.Pipeline
	affiliations *affiliation.Reconciler
	refresher    *refresh.Orchestrator
	requests     *requests
	identity     ingest.Identity

	events chan Event

	inboxMu sync.Mutex
	inbox   []inbound
	wake    chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	ctx       context.Context
	rooms     map[string]*Room
	contacts  map[string]*Contact
	active    string
	report    refresh.Report

	// watermarks holds, per conversation, the newest archived stamp
	// as of the last archive replay that reached its final page.
	watermarks map[string]time.Time
}

// New builds a disconnected Session and its components.
func New(cfg Config) (*Session, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("session: local address is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	settings := config.Default()
	if cfg.Settings != nil {
		settings = cfg.Settings
	}
	if cfg.Nickname == "" {
		cfg.Nickname = cfg.Local.Local()
	}
	if cfg.Nickname == "" {
		cfg.Nickname = cfg.Local.Domain()
	}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	s := &Session{
		settings:  *settings,
		local:     cfg.Local,
		nickname:  cfg.Nickname,
		transport: cfg.Transport,
		store:     cfg.Store,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		newID:     cfg.NewID,
		events:    make(chan Event, max(settings.Session.EventBuffer, 1)),
		wake:      make(chan struct{}, 1),
		ctx:       context.Background(),
		rooms:     make(map[string]*Room),
		contacts:  make(map[string]*Contact),

		watermarks: make(map[string]time.Time),
	}
	s.identity = ingest.Identity{Local: cfg.Local, Nick: s.roomNick}
	s.requests = newRequests(cfg.Clock, s.replyFrom)

	var err error
	s.health, err = health.NewMonitor(health.Config{
		Timing:           settings.Health,
		Transport:        cfg.Transport,
		Clock:            cfg.Clock,
		Logger:           cfg.Logger.With("component", "health"),
		Metrics:          cfg.Metrics,
		NewCorrelationID: cfg.NewID,
		OnUnhealthy:      s.onUnhealthy,
		OnReconnected:    s.onReconnected,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.health.Subscribe(func(quality health.Quality) {
		s.emit(Event{Kind: EventQuality, Quality: quality})
	})

	s.typing, err = chatstate.NewTracker(chatstate.Config{
		Timing:    settings.Typing,
		Local:     cfg.Local,
		LocalNick: s.roomNick,
		Send:      s.sendQuiet,
		OnChange: func(conversation string) {
			s.emit(Event{Kind: EventTyping, Conversation: conversation})
		},
		Clock:  cfg.Clock,
		Logger: cfg.Logger.With("component", "chatstate"),
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.pipeline, err = ingest.New(ingest.Config{
		Timing:    settings.Ingest,
		Local:     cfg.Local,
		LocalNick: s.roomNick,
		Quality:   s.health.Quality,
		Store:     cfg.Store,
		OnChange:  s.onMessagesChanged,
		NewID:     cfg.NewID,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger.With("component", "ingest"),
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.affiliations, err = affiliation.New(affiliation.Config{
		Local:     cfg.Local,
		LocalNick: s.roomNick,
		Store:     cfg.Store,
		Query:     s.queryAffiliations,
		OnChange: func(room string) {
			s.syncOwnership(context.Background(), room)
			s.emit(Event{Kind: EventAffiliations, Conversation: room})
		},
		Clock:  cfg.Clock,
		Logger: cfg.Logger.With("component", "affiliation"),
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.refresher, err = refresh.New(refresh.Config{
		Timing:  settings.Refresh,
		Target:  (*refreshTarget)(s),
		Quality: s.health.Quality,
		OnReport: func(report refresh.Report) {
			s.mu.Lock()
			s.report = report
			s.mu.Unlock()
			s.emit(Event{Kind: EventRefresh, Report: &report})
		},
		Clock:   cfg.Clock,
		Logger:  cfg.Logger.With("component", "refresh"),
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return s, nil
}

// Run dispatches inbound units until ctx is done. Handlers run to
// completion before the next unit is dispatched.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		for {
			s.inboxMu.Lock()
			batch := s.inbox
			s.inbox = nil
			s.inboxMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, item := range batch {
				if item.barrier != nil {
					close(item.barrier)
					continue
				}
				s.dispatch(ctx, item.unit)
			}
		}
	}
}

// Deliver queues an inbound unit for dispatch. It never blocks, so a
// transport may call it from inside Send.
func (s *Session) Deliver(unit stanza.Unit) {
	s.enqueue(inbound{unit: unit})
}

func (s *Session) enqueue(item inbound) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, item)
	s.inboxMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Settle waits until every unit delivered before the call has been
// dispatched and any coalesced ingest pass has run.
func (s *Session) Settle(ctx context.Context) error {
	barrier := make(chan struct{})
	s.enqueue(inbound{barrier: barrier})
	select {
	case <-barrier:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.pipeline.Flush()
	return nil
}

// Connect marks the stream usable, announces presence, enables carbon
// copies, starts health probing, and starts a refresh in the
// background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.connected = true
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.transport.Send(ctx, stanza.Available()); err != nil {
		s.setConnected(false)
		return fmt.Errorf("session: announcing presence: %w", err)
	}
	s.health.Start(runCtx)
	s.logger.Info("session connected", "address", s.local.String())
	s.emit(Event{Kind: EventConnection, Connected: true})

	go func() {
		if _, err := s.request(runCtx, stanza.EnableCarbons(s.newID())); err != nil {
			s.logger.Warn("enabling carbons failed", "error", err)
		}
		s.startRefresh(runCtx)
	}()
	return nil
}

// Disconnect ends the session deliberately: probing and reconnection
// stop, deferred refreshes are cancelled, and actions fail with
// ErrNotConnected until the next Connect.
func (s *Session) Disconnect(ctx context.Context) {
	if s.Connected() {
		if err := s.transport.Send(ctx, stanza.NewPresence("", stanza.PresenceUnavailable)); err != nil {
			s.logger.Debug("unavailable presence not sent", "error", err)
		}
	}
	s.health.Disconnect()
	s.refresher.Stop()
	s.setConnected(false)
	s.mu.Lock()
	for _, room := range s.rooms {
		room.Joined = false
	}
	s.mu.Unlock()
	s.logger.Info("session disconnected", "intentional", true)
	s.emit(Event{Kind: EventConnection, Connected: false})
}

// Close tears the session down. Every timer is cancelled and pending
// requests fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	s.health.Disconnect()
	s.health.Stop()
	s.refresher.Stop()
	s.typing.Close()
	s.pipeline.Close()
	s.requests.closeAll(ErrClosed)
	return nil
}

// Reconnect resets the health record and reauthenticates. On success a
// refresh follows; on failure the reconnect loop takes over.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.health.Reconnect(ctx)
}

// Refresh runs a refresh pass now and returns its report.
func (s *Session) Refresh(ctx context.Context) (refresh.Report, error) {
	if !s.Connected() {
		return refresh.Report{}, ErrNotConnected
	}
	return s.refresher.Run(ctx)
}

func (s *Session) startRefresh(ctx context.Context) {
	if _, err := s.refresher.Run(ctx); err != nil {
		s.logger.Warn("refresh failed", "error", err)
	}
}

func (s *Session) onUnhealthy() {
	s.setConnected(false)
	s.emit(Event{Kind: EventConnection, Connected: false})
}

func (s *Session) onReconnected() {
	s.setConnected(true)
	s.emit(Event{Kind: EventConnection, Connected: true})
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	go s.startRefresh(ctx)
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.connected = connected
	}
}

// Connected reports whether actions can currently be sent.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) roomNick(room string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.rooms[room]; ok {
		return state.Nick
	}
	return ""
}

func (s *Session) isRoom(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversation]
	return ok
}

func (s *Session) messageType(conversation string) string {
	if s.isRoom(conversation) {
		return stanza.TypeGroupChat
	}
	return stanza.TypeChat
}

// send transmits unit, failing fast when disconnected.
func (s *Session) send(ctx context.Context, unit stanza.Unit) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if err := s.transport.Send(ctx, unit); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// sendQuiet is the fire-and-forget path for notifications such as chat
// states, where a failure is only logged.
func (s *Session) sendQuiet(unit stanza.Unit) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.send(ctx, unit); err != nil {
		s.logger.Debug("notification not sent", "to", unit.To(), "error", err)
	}
}

// request sends an IQ and waits for its correlated reply. An error
// reply is returned as a *stanza.Error and is never retried. A request
// that times out is resent under a fresh id after the health backoff,
// up to the failure threshold; the last timeout is reported to the
// health monitor, which marks the session unhealthy, and ErrTimeout is
// returned.
func (s *Session) request(ctx context.Context, iq stanza.Unit) (stanza.Unit, error) {
	attempts := max(s.settings.Health.FailureThreshold, 1)
	for attempt := 1; ; attempt++ {
		reply, err := s.requestOnce(ctx, iq)
		if !errors.Is(err, ErrTimeout) {
			return reply, err
		}
		operation := requestOperation(iq)
		if attempt >= attempts {
			s.logger.Warn("request timed out", "operation", operation, "to", iq.To(), "attempts", attempt)
			s.health.OnRequestTimeout(operation)
			return stanza.Unit{}, err
		}
		delay := s.health.RetryDelay(attempt)
		s.logger.Debug("request timed out, retrying",
			"operation", operation, "to", iq.To(), "attempt", attempt, "retry_in", delay)
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return stanza.Unit{}, ctx.Err()
		}
		iq = iq.WithID(s.newID())
	}
}

func (s *Session) requestOnce(ctx context.Context, iq stanza.Unit) (stanza.Unit, error) {
	if !s.Connected() {
		return stanza.Unit{}, ErrNotConnected
	}
	reply := s.requests.register(iq.ID(), iq.To(), s.settings.Session.RequestTimeout)
	if err := s.transport.Send(ctx, iq); err != nil {
		s.requests.cancel(iq.ID())
		return stanza.Unit{}, fmt.Errorf("session: send: %w", err)
	}
	select {
	case result := <-reply:
		switch {
		case errors.Is(result.err, ErrTimeout):
			s.metrics.RequestOutcome("timeout")
			return stanza.Unit{}, result.err
		case result.err != nil:
			s.metrics.RequestOutcome("cancelled")
			return stanza.Unit{}, result.err
		case result.unit.IsError():
			s.metrics.RequestOutcome("error")
			return result.unit, result.unit.Err()
		}
		s.metrics.RequestOutcome("result")
		return result.unit, nil
	case <-ctx.Done():
		s.requests.cancel(iq.ID())
		s.metrics.RequestOutcome("cancelled")
		return stanza.Unit{}, ctx.Err()
	}
}

// requestOperation names an IQ by its payload namespace for logs.
func requestOperation(iq stanza.Unit) string {
	payload := iq.Payload()
	switch {
	case payload == nil:
		return "iq"
	case payload.Name.Space != "":
		return payload.Name.Space
	}
	return payload.Name.Local
}

func (s *Session) onMessagesChanged(changes []ingest.Change) {
	seen := make(map[string]bool)
	for _, change := range changes {
		if seen[change.Conversation] {
			continue
		}
		seen[change.Conversation] = true
		s.emit(Event{Kind: EventMessages, Conversation: change.Conversation})
	}
}

// Health returns a snapshot of the connection health record.
func (s *Session) Health() health.Record { return s.health.Snapshot() }

// Quality returns the current link quality.
func (s *Session) Quality() health.Quality { return s.health.Quality() }

// Messages returns a conversation's log in timestamp order.
func (s *Session) Messages(conversation string) []ingest.Message {
	return s.pipeline.Messages(conversation)
}

// Conversations returns every conversation with logged messages.
func (s *Session) Conversations() []string { return s.pipeline.Conversations() }

// IngestStats returns the ingest pipeline's counters.
func (s *Session) IngestStats() ingest.Stats { return s.pipeline.Stats() }

// Typing returns who is currently typing in a conversation.
func (s *Session) Typing(conversation string) []chatstate.Entry {
	return s.typing.Snapshot(conversation)
}

// Members returns a room's affiliation set.
func (s *Session) Members(room string) []affiliation.Member {
	return s.affiliations.Members(room)
}

// Owner reports whether the local identity owns room.
func (s *Session) Owner(ctx context.Context, room string) (bool, error) {
	owner, _, err := s.affiliations.Owner(ctx, room)
	return owner, err
}

// LastRefresh returns the report of the most recent refresh pass.
func (s *Session) LastRefresh() refresh.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// syncOwnership copies the reconciled ownership of room onto its Room
// entry, if the room is known.
func (s *Session) syncOwnership(ctx context.Context, room string) {
	owner, _, err := s.affiliations.Owner(ctx, room)
	if err != nil {
		s.logger.Warn("ownership lookup failed", "room", room, "error", err)
		return
	}
	s.mu.Lock()
	if state, ok := s.rooms[room]; ok {
		state.Owner = owner
	}
	s.mu.Unlock()
}

// Rooms returns the known rooms sorted by address.
func (s *Session) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Address < rooms[j].Address })
	return rooms
}

// Contacts returns the roster sorted by address.
func (s *Session) Contacts() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	contacts := make([]Contact, 0, len(s.contacts))
	for _, contact := range s.contacts {
		copied := *contact
		copied.Groups = append([]string(nil), contact.Groups...)
		contacts = append(contacts, copied)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Address < contacts[j].Address })
	return contacts
}

// ActiveConversation returns the conversation open in the UI.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
