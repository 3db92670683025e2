// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresh reloads session data after connecting and on demand,
// scaled to link quality.
//
// Every pass loads the critical data first: the roster, the room list,
// and ownership of the open room. On an excellent or good link it then
// verifies ownership of every room, replays the archive for direct
// conversations and rooms, refreshes affiliations of owned rooms, and
// probes contact presence. On a poor or unstable link it refreshes only
// the open conversation and re-checks quality after a delay, giving up
// after a bounded number of degraded re-checks.
//
// Multi-target work runs in small concurrent batches separated by a
// quality-scaled delay. Each batch settles completely; a failing item is
// recorded in the [Report] and never aborts the pass. Outbound queries
// are paced by a token bucket.
package refresh
