// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used for records chatsync keeps
// in its key-value store: the room ownership cache and read markers.
//
// Those records outlive the process and are read back by later
// versions, so the encoder uses Core Deterministic Encoding (RFC 8949
// §4.2) and the decoder ignores unknown fields. Timestamps are written
// as RFC 3339 strings with nanoseconds so an observation time survives
// a round trip exactly.
//
// The store boundary is string-valued; [MarshalString] and
// [UnmarshalString] carry the raw CBOR bytes in a Go string.
package codec
