// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore is the persistence boundary of a chat session: a
// string key-value store holding the room ownership cache and the
// read-marker map. Both are opportunistic caches. The server stays the
// source of truth whenever it is reachable, so no backend here offers
// more than single-key atomicity.
//
// Three backends implement [Store]:
//
//   - [Memory]: a map, for tests and for sessions that opt out of
//     persistence.
//   - [SQLite]: one table in a zombiezen SQLite database opened with
//     WAL journaling and the pragmas every local database gets.
//   - [Pebble]: a Pebble LSM directory, for hosts that already keep
//     other Pebble state.
//
// [Open] picks a backend from a [Config]. Keys are plain strings; the
// packages that own the records namespace them with "/"-separated
// prefixes (for example "owner/<account>/<room>") so [Store.List] can
// enumerate one namespace.
package kvstore
