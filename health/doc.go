// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package health implements the heartbeat monitor that judges whether
// a session's connection is alive and how well it performs.
//
// A [Monitor] sends a liveness probe every probe interval (120s by
// default), each with a fresh correlation id and its own response
// deadline (30s). An answered probe grades the link by round-trip
// time into a [Quality]: below 200ms excellent, below 1s good, below
// 3s poor, otherwise unstable. A probe that misses its deadline counts
// as a consecutive failure and is retried with backoff (1s doubling to
// 10s). The third consecutive failure marks the session unhealthy and
// hands over to the reconnect loop, which reauthenticates with a delay
// doubling from 1s up to 60s and never gives up.
//
// An intentional disconnect ([Monitor.Disconnect]) suppresses every
// recovery action until the next [Monitor.Start] or manual
// [Monitor.Reconnect].
//
// [Monitor.Quality] is the single read point for link quality; other
// components either call it or [Monitor.Subscribe] to changes.
//
// All timers go through an injected clock.Clock, so tests drive the
// monitor deterministically with clock.Fake.
package health
