// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the context object of one logged-in identity. A
// [Session] owns the health monitor, typing tracker, ingest pipeline,
// affiliation reconciler, and refresh orchestrator, and wires them to
// a [transport.Transport].
//
// Inbound units reach the session through [Session.Deliver], which
// never blocks. [Session.Run] dispatches them one at a time in arrival
// order: IQ replies resolve correlated requests (or liveness probes),
// messages feed the typing tracker and the ingest pipeline, and room
// presence feeds the affiliation reconciler. The dispatch loop never
// waits on a request of its own, since replies arrive through it.
//
// The UI reads state through accessors ([Session.Messages],
// [Session.Typing], [Session.Members], [Session.Quality], ...) and is
// told what to re-read through [Session.Events]. Actions fail with
// [ErrNotConnected] while the session has no usable stream; a server
// refusal for lack of privilege is a [*PermissionError].
package session
