// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by chatsync tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken dispatch loop fails the test instead of
// hanging it. Timer-driven behavior runs on clock.Fake; wall-clock
// waits are bounds, never the thing under test.
//
// [IDSource] feeds the NewID field of component configs with a
// per-test sequence. [UniqueID] hands out ids that are distinct across
// the whole test binary.
package testutil
