// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatsync/health"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/stanza"
)

// ErrUnknownMessage is returned by operations that name a message the
// log does not hold.
var ErrUnknownMessage = errors.New("ingest: unknown message")

// Item is one unit waiting in the queue.
type Item struct {
	Unit   stanza.Unit
	Source Source
	// ArrivedAt defaults to the clock time at Enqueue.
	ArrivedAt time.Time
	// Stamp overrides the unit's own timestamp, as archive results do.
	Stamp     time.Time
	ArchiveID string
}

// ChangeKind says what happened to a logged message.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeUpdated  ChangeKind = "updated"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is reported once per mutated message after a processing pass.
type Change struct {
	Kind         ChangeKind
	Conversation string
	MessageID    string
}

// Stats counts processing outcomes since construction.
type Stats struct {
	Admitted   int `json:"admitted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Mutations  int `json:"mutations"`
	Ignored    int `json:"ignored"`
	Passes     int `json:"passes"`
}

// Config wires a Pipeline.
type Config struct {
	// Timing holds the batching window and index bounds. The zero
	// value means config.Default().Ingest.
	Timing config.IngestConfig

	// Local is the session identity. Required.
	Local address.Address

	// LocalNick returns the local nickname in a room, or "".
	LocalNick func(room string) string

	// Quality reports the current link quality. Nil means always
	// excellent, so every item is processed immediately.
	Quality func() health.Quality

	// Store persists read markers. Nil means an in-memory store.
	Store kvstore.Store

	// Deduplicator defaults to an IndexDeduplicator sized by Timing.
	Deduplicator Deduplicator

	// OnChange receives the changes of each processing pass, outside
	// the pipeline lock. May be nil.
	OnChange func([]Change)

	// NewID generates ids for units that carry none.
	NewID func() string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type conversationLog struct {
	messages []*Message
	byID     map[string]*Message
}

// Pipeline merges live, carbon, archive, and local items into one
// ordered, duplicate-free log per conversation.
type Pipeline struct {
	timing   config.IngestConfig
	identity Identity
	quality  func() health.Quality
	store    kvstore.Store
	dedup    Deduplicator
	onChange func([]Change)
	newID    func() string
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	queue []Item
	flush *clock.Timer
	logs  map[string]*conversationLog
	stats Stats
}

// New returns an empty Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("ingest: local address is required")
	}
	if cfg.Timing == (config.IngestConfig{}) {
		cfg.Timing = config.Default().Ingest
	}
	if cfg.Quality == nil {
		cfg.Quality = func() health.Quality { return health.Excellent }
	}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}
	if cfg.Deduplicator == nil {
		cfg.Deduplicator = NewIndexDeduplicator(cfg.Timing.IndexCapacity, cfg.Timing.IndexRetain)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		timing:   cfg.Timing,
		identity: Identity{Local: cfg.Local, Nick: cfg.LocalNick},
		quality:  cfg.Quality,
		store:    cfg.Store,
		dedup:    cfg.Deduplicator,
		onChange: cfg.OnChange,
		newID:    cfg.NewID,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		logs:     make(map[string]*conversationLog),
	}, nil
}

// Enqueue adds item to the queue. The queue is processed at once unless
// the link is degraded and fewer than ImmediateDepth items are
// waiting, in which case a pass runs after CoalesceWindow.
func (p *Pipeline) Enqueue(item Item) {
	p.mu.Lock()
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = p.clock.Now()
	}
	if item.Source == "" {
		item.Source = SourceLive
	}
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	p.metrics.SetQueueDepth(depth)

	if !p.quality().Degraded() || depth >= p.timing.ImmediateDepth {
		p.mu.Unlock()
		p.Flush()
		return
	}
	if p.flush == nil {
		var timer *clock.Timer
		timer = p.clock.AfterFunc(p.timing.CoalesceWindow, func() {
			p.mu.Lock()
			current := p.flush == timer
			p.mu.Unlock()
			if current {
				p.Flush()
			}
		})
		p.flush = timer
	}
	p.mu.Unlock()
}

// Pending returns the number of queued items.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush processes every queued item in arrival order.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	queue := p.queue
	p.queue = nil
	var changes []Change
	for _, item := range queue {
		changes = append(changes, p.processLocked(item)...)
	}
	if len(queue) > 0 {
		p.stats.Passes++
	}
	p.metrics.SetQueueDepth(0)
	onChange := p.onChange
	p.mu.Unlock()

	if onChange != nil && len(changes) > 0 {
		onChange(changes)
	}
}

// Submit enqueues a unit the local client sent and processes the queue
// at once, so the UI sees the message before any echo arrives. The
// sender attribute is filled in with the local identity.
func (p *Pipeline) Submit(unit stanza.Unit) {
	from := p.identity.Local.String()
	if unit.Type() == stanza.TypeGroupChat {
		room := address.BareOf(unit.To())
		nick := p.identity.nick(room)
		if nick == "" {
			nick = p.identity.Local.BareString()
		}
		from = room + "/" + nick
	}
	p.mu.Lock()
	p.queue = append(p.queue, Item{
		Unit:      unit.WithFrom(from),
		Source:    SourceLocal,
		ArrivedAt: p.clock.Now(),
	})
	p.mu.Unlock()
	p.Flush()
}

// Close cancels any pending coalescing pass. Queued items stay queued.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
}

func (p *Pipeline) processLocked(item Item) []Change {
	unit := item.Unit
	if unit.IsError() {
		p.stats.Ignored++
		return nil
	}
	if mutation, ok := parseMutation(unit); ok {
		return p.applyMutationLocked(item, mutation)
	}
	if !carriesContent(unit) {
		p.stats.Ignored++
		return nil
	}

	envelope, err := Extract(unit, p.identity, item.Stamp, item.ArrivedAt, p.timing.MaxBodyBytes, p.newID)
	if err != nil {
		p.stats.Rejected++
		var validation *ValidationError
		reason := "invalid"
		if errors.As(err, &validation) {
			reason = validation.Reason
		}
		p.metrics.IngestRejected(reason)
		p.logger.Debug("ingest item rejected",
			"source", string(item.Source),
			"id", unit.ID(),
			"reason", reason,
			"error", err,
		)
		return nil
	}
	envelope.ArchiveID = item.ArchiveID

	if reason, duplicate := p.dedup.Check(envelope); duplicate {
		p.stats.Duplicates++
		p.metrics.IngestDuplicate(string(reason))
		p.logger.Debug("ingest duplicate dropped",
			"source", string(item.Source),
			"conversation", envelope.Conversation,
			"id", envelope.ID,
			"reason", string(reason),
		)
		return p.backfillLocked(envelope)
	}
	p.dedup.Remember(envelope)

	message := p.newMessageLocked(unit, envelope, item.Source)
	p.insertLocked(message)
	p.stats.Admitted++
	p.metrics.IngestAdmitted(string(item.Source))
	p.logger.Debug("ingest message admitted",
		"source", string(item.Source),
		"conversation", message.Conversation,
		"id", message.ID,
		"mine", message.Mine,
	)
	return []Change{{Kind: ChangeAppended, Conversation: message.Conversation, MessageID: message.ID}}
}

// backfillLocked copies the archive id from a duplicate onto the logged
// message it repeats, found by id or else by signature.
func (p *Pipeline) backfillLocked(envelope Envelope) []Change {
	if envelope.ArchiveID == "" {
		return nil
	}
	log := p.logs[envelope.Conversation]
	if log == nil {
		return nil
	}
	message := log.byID[envelope.ID]
	if message == nil {
		message = log.matchSignature(envelope)
	}
	if message == nil || message.ArchiveID != "" {
		return nil
	}
	message.ArchiveID = envelope.ArchiveID
	return nil
}

// matchSignature returns the newest logged message from the same
// sender with the same normalized body, stamped within signatureWindow
// of envelope and not yet carrying an archive id.
func (l *conversationLog) matchSignature(envelope Envelope) *Message {
	body := NormalizeBody(envelope.Body)
	for index := len(l.messages) - 1; index >= 0; index-- {
		candidate := l.messages[index]
		if candidate.ArchiveID != "" || candidate.Sender != envelope.Sender || NormalizeBody(candidate.Body) != body {
			continue
		}
		delta := candidate.Timestamp.Sub(envelope.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= signatureWindow {
			return candidate
		}
	}
	return nil
}

func carriesContent(unit stanza.Unit) bool {
	if unit.HasBody() {
		return true
	}
	if _, ok := stanza.ParsePoll(unit); ok {
		return true
	}
	if _, _, ok := stanza.ParseOOB(unit); ok {
		return true
	}
	return stanza.HasEncryptedEnvelope(unit)
}

func (p *Pipeline) newMessageLocked(unit stanza.Unit, envelope Envelope, source Source) *Message {
	message := &Message{
		ID:           envelope.ID,
		ArchiveID:    envelope.ArchiveID,
		Conversation: envelope.Conversation,
		Sender:       envelope.Sender,
		Recipient:    envelope.Recipient,
		Type:         envelope.Type,
		Body:         envelope.Body,
		Timestamp:    envelope.Timestamp,
		Mine:         envelope.Mine,
		Source:       source,
		Encrypted:    stanza.HasEncryptedEnvelope(unit),
	}
	if url, description, ok := stanza.ParseOOB(unit); ok {
		message.Attachment = &Attachment{URL: url, Description: description}
	}
	if poll, ok := stanza.ParsePoll(unit); ok {
		message.Poll = &PollState{
			Poll:    poll,
			Creator: Participant(envelope.Sender, envelope.Group),
			Votes:   make(map[string]string),
		}
	}

	if message.Mine {
		message.Status = StatusSent
		return message
	}
	message.Status = StatusDelivered
	read, err := p.readMarkerLocked(message.Conversation, message.ID)
	if err != nil {
		p.logger.Warn("read marker lookup failed",
			"conversation", message.Conversation,
			"id", message.ID,
			"error", err,
		)
	}
	if read {
		message.Status = StatusRead
	}
	return message
}

// insertLocked places message after every logged message with an equal
// or earlier timestamp.
func (p *Pipeline) insertLocked(message *Message) {
	log := p.logs[message.Conversation]
	if log == nil {
		log = &conversationLog{byID: make(map[string]*Message)}
		p.logs[message.Conversation] = log
	}
	index := sort.Search(len(log.messages), func(i int) bool {
		return log.messages[i].Timestamp.After(message.Timestamp)
	})
	log.messages = append(log.messages, nil)
	copy(log.messages[index+1:], log.messages[index:])
	log.messages[index] = message
	log.byID[message.ID] = message
}

func (p *Pipeline) removeLocked(message *Message) {
	log := p.logs[message.Conversation]
	for i, candidate := range log.messages {
		if candidate == message {
			log.messages = append(log.messages[:i], log.messages[i+1:]...)
			break
		}
	}
	delete(log.byID, message.ID)
}

// Messages returns a copy of a conversation's log in timestamp order.
func (p *Pipeline) Messages(conversation string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := p.logs[conversation]
	if log == nil {
		return nil
	}
	messages := make([]Message, len(log.messages))
	for i, message := range log.messages {
		messages[i] = message.clone()
	}
	return messages
}

// Message returns one logged message.
func (p *Pipeline) Message(conversation, id string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := p.logs[conversation]
	if log == nil {
		return Message{}, false
	}
	message := log.byID[id]
	if message == nil {
		return Message{}, false
	}
	return message.clone(), true
}

// Conversations returns the keys of every non-empty log, sorted.
func (p *Pipeline) Conversations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.logs))
	for key, log := range p.logs {
		if len(log.messages) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LatestArchived returns the timestamp of the newest logged message in
// a conversation that the archive has delivered or confirmed. Live
// arrivals the archive has not yet returned do not count.
func (p *Pipeline) LatestArchived(conversation string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := p.logs[conversation]
	if log == nil {
		return time.Time{}, false
	}
	for index := len(log.messages) - 1; index >= 0; index-- {
		if log.messages[index].ArchiveID != "" {
			return log.messages[index].Timestamp, true
		}
	}
	return time.Time{}, false
}

// Stats returns the processing counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// MarkRead promotes a received message to read and persists the marker
// so a later archive replay keeps it read.
func (p *Pipeline) MarkRead(ctx context.Context, conversation, id string) (Message, error) {
	p.mu.Lock()
	log := p.logs[conversation]
	var message *Message
	if log != nil {
		message = log.byID[id]
	}
	if message == nil {
		p.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s in %s", ErrUnknownMessage, id, conversation)
	}
	changed := message.promote(StatusRead)
	snapshot := message.clone()
	onChange := p.onChange
	p.mu.Unlock()

	if !snapshot.Mine {
		if err := p.persistReadMarker(ctx, conversation, id); err != nil {
			return snapshot, err
		}
	}
	if changed && onChange != nil {
		onChange([]Change{{Kind: ChangeUpdated, Conversation: conversation, MessageID: id}})
	}
	return snapshot, nil
}
