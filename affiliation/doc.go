// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package affiliation reconciles a room's affiliation set from three
// sources: the persisted ownership cache, explicit affiliation queries,
// and the affiliation items carried by occupant presence.
//
// For the local identity's own ownership flag the cache wins, then the
// latest query, then presence. Any positive ownership observation is
// written to the cache immediately, keyed by the account's bare address
// so identities sharing a store stay separate. Only a query that lists
// the local identity with a lower affiliation clears a cached grant;
// being absent from the lists does not. A query replaces the
// whole member set; presence upserts one member at a time, matched by
// address or, when the room hides addresses, by nickname.
package affiliation
