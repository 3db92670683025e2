// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/chatsync/lib/codec"
)

// ReadMarkerPrefix is the key prefix of persisted read markers. Keys are
// ReadMarkerPrefix + account + "/" + conversation + "/" + message id.
const ReadMarkerPrefix = "readmarker/"

type readMarker struct {
	ReadAt time.Time `cbor:"read_at"`
}

func (p *Pipeline) readMarkerKey(conversation, id string) string {
	return ReadMarkerPrefix + p.identity.Local.BareString() + "/" + conversation + "/" + id
}

func (p *Pipeline) readMarkerLocked(conversation, id string) (bool, error) {
	value, found, err := p.store.Get(context.Background(), p.readMarkerKey(conversation, id))
	if err != nil || !found {
		return false, err
	}
	var marker readMarker
	if err := codec.UnmarshalString(value, &marker); err != nil {
		return false, fmt.Errorf("ingest: decoding read marker: %w", err)
	}
	return true, nil
}

func (p *Pipeline) persistReadMarker(ctx context.Context, conversation, id string) error {
	value, err := codec.MarshalString(readMarker{ReadAt: p.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("ingest: encoding read marker: %w", err)
	}
	if err := p.store.Set(ctx, p.readMarkerKey(conversation, id), value); err != nil {
		return fmt.Errorf("ingest: writing read marker: %w", err)
	}
	return nil
}
