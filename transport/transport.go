// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/bureau-foundation/chatsync/stanza"
)

// Transport is the outbound half of the protocol boundary. The wire
// handshake, stream negotiation, and serialization live behind it.
type Transport interface {
	// Send writes one unit. There is no delivery guarantee beyond the
	// underlying stream's own reliability.
	Send(ctx context.Context, unit stanza.Unit) error

	// Reauthenticate tears down the current stream, if any, and
	// establishes a new authenticated one. It returns once the new
	// stream is ready or the attempt failed.
	Reauthenticate(ctx context.Context) error
}

// Sink receives inbound units in arrival order. A transport calls its
// sink from a single goroutine; the sink must not block for long.
type Sink func(stanza.Unit)
