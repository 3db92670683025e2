// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stanza models the protocol units a chat session exchanges
// with its server.
//
// A [Unit] is a tagged union over the three top-level kinds (message,
// presence, iq), discriminated by [Unit.Kind]. It wraps an [Element]
// tree that keeps resolved namespaces, so payloads are located by
// (namespace, local name) pairs rather than by prefix. Read-only
// helpers expose the common attributes; the Parse* functions extract
// typed views of the extension payloads the session understands
// (archive results, carbons, room presence, affiliation lists, roster,
// bookmarks, receipts, markers, reactions, retractions, polls).
//
// Builders (Ping, ArchiveQuery, AffiliationQuery, ChatMessage, ...)
// produce every outbound shape. Builders take ids from the caller; this
// package generates none.
//
// [Decoder] reads units from an XML stream, with or without a
// <stream:stream> wrapper. Wire-level concerns (TLS, authentication,
// stream negotiation) belong to the transport, not here.
//
// [Error] carries a protocol error condition. [IsCondition] checks a
// wrapped error chain for a specific condition.
package stanza
