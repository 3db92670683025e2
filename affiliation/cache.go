// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package affiliation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
)

// CachePrefix is the key prefix of persisted ownership records. Keys are
// CachePrefix + account bare address + "/" + room.
const CachePrefix = "owner/"

// Record is one persisted ownership observation.
type Record struct {
	Owner      bool      `cbor:"owner" json:"owner"`
	Source     Source    `cbor:"source" json:"source"`
	ObservedAt time.Time `cbor:"observed_at" json:"observed_at"`
}

// CachedRoom pairs a room with its persisted record.
type CachedRoom struct {
	Room   string `json:"room"`
	Record Record `json:"record"`
}

func cacheKey(account, room string) string {
	return CachePrefix + account + "/" + room
}

func loadRecord(ctx context.Context, store kvstore.Store, account, room string) (Record, bool, error) {
	value, found, err := store.Get(ctx, cacheKey(account, room))
	if err != nil || !found {
		return Record{}, false, err
	}
	var record Record
	if err := codec.UnmarshalString(value, &record); err != nil {
		return Record{}, false, fmt.Errorf("affiliation: decoding ownership of %s: %w", room, err)
	}
	return record, true, nil
}

func storeRecord(ctx context.Context, store kvstore.Store, account, room string, record Record) error {
	value, err := codec.MarshalString(record)
	if err != nil {
		return fmt.Errorf("affiliation: encoding ownership of %s: %w", room, err)
	}
	if err := store.Set(ctx, cacheKey(account, room), value); err != nil {
		return fmt.Errorf("affiliation: writing ownership of %s: %w", room, err)
	}
	return nil
}

// ListCache returns every persisted ownership record of account, sorted
// by room.
func ListCache(ctx context.Context, store kvstore.Store, account string) ([]CachedRoom, error) {
	prefix := CachePrefix + account + "/"
	entries, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("affiliation: listing ownership cache: %w", err)
	}
	rooms := make([]CachedRoom, 0, len(entries))
	for _, entry := range entries {
		var record Record
		if err := codec.UnmarshalString(entry.Value, &record); err != nil {
			return nil, fmt.Errorf("affiliation: decoding %s: %w", entry.Key, err)
		}
		rooms = append(rooms, CachedRoom{Room: strings.TrimPrefix(entry.Key, prefix), Record: record})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room < rooms[j].Room })
	return rooms, nil
}

// ClearCache deletes every persisted ownership record of account and
// returns how many were removed.
func ClearCache(ctx context.Context, store kvstore.Store, account string) (int, error) {
	entries, err := store.List(ctx, CachePrefix+account+"/")
	if err != nil {
		return 0, fmt.Errorf("affiliation: listing ownership cache: %w", err)
	}
	for _, entry := range entries {
		if err := store.Delete(ctx, entry.Key); err != nil {
			return 0, fmt.Errorf("affiliation: deleting %s: %w", entry.Key, err)
		}
	}
	return len(entries), nil
}
