// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// DuplicateReason names the index that recognized a duplicate.
type DuplicateReason string

const (
	DuplicateID        DuplicateReason = "id"
	DuplicateSignature DuplicateReason = "signature"
)

// signatureWindow is how far apart two otherwise identical messages may
// be stamped and still count as one.
const signatureWindow = time.Second

// Deduplicator decides whether an envelope repeats an admitted message.
// Implementations choose their own eviction policy.
type Deduplicator interface {
	// Check reports whether envelope duplicates an admitted message
	// and which index matched. The id index is consulted first.
	Check(envelope Envelope) (DuplicateReason, bool)

	// Remember records an admitted envelope in every index.
	Remember(envelope Envelope)
}

// NormalizeBody collapses whitespace runs to single spaces and trims
// the ends, so transport reformatting does not defeat the signature.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// contentKey hashes the parts of the signature that must match exactly.
// The timestamp is compared separately within signatureWindow.
func contentKey(envelope Envelope) string {
	hasher := blake3.New()
	hasher.WriteString(envelope.Conversation)
	hasher.WriteString("|")
	hasher.WriteString(envelope.Sender)
	hasher.WriteString("|")
	hasher.WriteString(NormalizeBody(envelope.Body))
	return hex.EncodeToString(hasher.Sum(nil))
}

func idKey(envelope Envelope) string {
	return envelope.Conversation + "\x00" + envelope.ID
}

// boundedIndex is an insertion-ordered map that, once it grows past
// capacity, drops its oldest keys until retain remain.
type boundedIndex[V any] struct {
	capacity int
	retain   int
	order    []string
	values   map[string]V
}

func newBoundedIndex[V any](capacity, retain int) *boundedIndex[V] {
	return &boundedIndex[V]{
		capacity: capacity,
		retain:   retain,
		values:   make(map[string]V),
	}
}

func (b *boundedIndex[V]) get(key string) (V, bool) {
	value, ok := b.values[key]
	return value, ok
}

// put stores value under key. Updating an existing key keeps its age.
func (b *boundedIndex[V]) put(key string, value V) {
	if _, ok := b.values[key]; !ok {
		b.order = append(b.order, key)
	}
	b.values[key] = value
	if len(b.order) > b.capacity {
		evict := len(b.order) - b.retain
		for _, old := range b.order[:evict] {
			delete(b.values, old)
		}
		b.order = append([]string(nil), b.order[evict:]...)
	}
}

func (b *boundedIndex[V]) len() int { return len(b.order) }

// IndexDeduplicator is the default Deduplicator: an id index and a
// signature index, each bounded independently.
type IndexDeduplicator struct {
	ids        *boundedIndex[struct{}]
	signatures *boundedIndex[[]time.Time]
}

// Compile-time interface check.
var _ Deduplicator = (*IndexDeduplicator)(nil)

// NewIndexDeduplicator returns indexes that evict down to retain
// entries once they exceed capacity.
func NewIndexDeduplicator(capacity, retain int) *IndexDeduplicator {
	return &IndexDeduplicator{
		ids:        newBoundedIndex[struct{}](capacity, retain),
		signatures: newBoundedIndex[[]time.Time](capacity, retain),
	}
}

func (d *IndexDeduplicator) Check(envelope Envelope) (DuplicateReason, bool) {
	if envelope.ID != "" && !envelope.GeneratedID {
		if _, ok := d.ids.get(idKey(envelope)); ok {
			return DuplicateID, true
		}
	}
	stamps, ok := d.signatures.get(contentKey(envelope))
	if !ok {
		return "", false
	}
	for _, stamp := range stamps {
		delta := envelope.Timestamp.Sub(stamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= signatureWindow {
			return DuplicateSignature, true
		}
	}
	return "", false
}

func (d *IndexDeduplicator) Remember(envelope Envelope) {
	if envelope.ID != "" {
		d.ids.put(idKey(envelope), struct{}{})
	}
	key := contentKey(envelope)
	stamps, _ := d.signatures.get(key)
	d.signatures.put(key, append(stamps, envelope.Timestamp))
}

// Sizes returns the entry counts of the id and signature indexes.
func (d *IndexDeduplicator) Sizes() (ids, signatures int) {
	return d.ids.len(), d.signatures.len()
}
