// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var processCounter atomic.Uint64

// UniqueID returns "prefix-N" with N unique across the test binary, for
// stanza ids a test builds by hand that must never collide with ids the
// code under test generates.
//
//	query := stanza.NewIQ(stanza.IQGet, to, testutil.UniqueID("query"), payload)
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(processCounter.Add(1), 10)
}

// IDSource returns a generator for the NewID field of component
// configs. Each source counts from 1 on its own, so the ids one test
// sees do not depend on which tests ran before it. Safe for concurrent
// use.
func IDSource(prefix string) func() string {
	var next atomic.Uint64
	return func() string {
		return prefix + "-" + strconv.FormatUint(next.Add(1), 10)
	}
}
