// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// timer in a chat session: heartbeat probes, probe deadlines, retry
// and reconnect backoff, typing pause and expiry, the ingest
// coalescing window, and refresh deferral.
//
// Every production function that reads the time or waits on it
// should accept a Clock rather than call time.Now, time.After, or
// time.AfterFunc directly. Components hold the Clock in a field set
// from their Config, defaulting to Real() when the field is nil:
//
//	type Tracker struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// Production code passes Real(), which defers to the time package.
// Tests pass Fake() and drive time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	monitor, _ := health.NewMonitor(health.Config{Clock: fake, ...})
//	monitor.Start(ctx)
//	fake.Advance(120 * time.Second) // first probe goes out
//
// # Fake timer semantics
//
// AfterFunc callbacks registered on a FakeClock run synchronously
// inside Advance, in deadline order, on the goroutine that called
// Advance. A callback may schedule further timers; those fire within
// the same Advance call when their deadline is not after the target
// time. A callback must not call Advance.
//
// A non-positive duration schedules the timer at the current fake
// time. It fires on the next Advance (including Advance(0)), never
// inside the AfterFunc call itself, so a caller holding its own lock
// while scheduling cannot deadlock against its callback.
//
// Goroutines blocked on After are released when Advance passes their
// deadline. WaitForTimers lets a test block until a goroutine has
// registered the timer it is about to wait on.
package clock
