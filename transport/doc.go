// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the boundary between the session engine
// and the code that speaks the wire protocol.
//
// [Transport] is the outbound half: Send one unit, or Reauthenticate
// after the session is judged unhealthy. Inbound units arrive through a
// [Sink] callback that the session owns.
//
// [Memory] is an in-process implementation for tests and offline
// replay. It records sent units and runs scripted [Responder] functions
// whose replies are delivered straight to the sink. [AnswerPings] and
// [AnswerQueries] cover the common scripts.
//
// [Stream] carries units as XML over a TCP connection to an endpoint
// that has already negotiated the stream. Reauthenticate redials.
//
// [CaptureReader] reads recorded inbound streams, and [Recorder] wraps
// a Transport to record outbound units. Both handle zstd compression
// for files ending in .zst.
package transport
