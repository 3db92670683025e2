// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest merges the live stream, carbon copies, archive replay,
// and locally sent messages into one ordered, duplicate-free log per
// conversation.
//
// Every item passes through a single queue. When the link is healthy
// items are processed as they arrive; on a degraded link they coalesce
// for a short window so a burst updates the UI once. Each new message is
// normalized into an [Envelope], checked against an id index and then a
// content signature index (sender, normalized body, and a timestamp
// within one second), and inserted in timestamp order. Receipts, read
// markers, reactions, retractions, and poll votes travel the same queue
// as mutations of already logged messages, so their ordering relative
// to the messages they target is preserved.
//
// Ownership is resolved per message against the local [Identity]. The
// conversation key of a direct message is always the other party's
// bare address; for rooms it is the room address.
package ingest
