// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatstate tracks who is typing.
//
// Outbound, the local participant moves idle → composing on the first
// keystroke; each keystroke restarts a pause timeout (3s) whose expiry
// moves to paused and emits a paused notification. Blur, send, or close
// ([Tracker.Stop]) returns to idle and emits active.
//
// Inbound composing and paused signals from other participants create
// entries that expire after a TTL (10s) unless refreshed, whether or not
// a terminal signal ever arrives. [Tracker.Snapshot] filters expired
// entries lazily and a per-entry timer removes them eagerly.
//
// Participants are keyed by nickname in rooms and by bare address in
// direct conversations. Signals from the local identity, recognized
// under its bare form, its full form, or its room nickname, are dropped.
package chatstate
