// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	savedCommit, savedDirty, savedTime := GitCommit, GitDirty, BuildTime
	t.Cleanup(func() { GitCommit, GitDirty, BuildTime = savedCommit, savedDirty, savedTime })

	GitCommit, GitDirty, BuildTime = "abc1234", "true", "2026-10-01T00:00:00Z"
	got := Info()
	want := Version + " (abc1234-dirty, 2026-10-01T00:00:00Z)"
	if got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Errorf("Info() = %q, want no -dirty suffix", Info())
	}
}

func TestFull(t *testing.T) {
	if !strings.Contains(Full(), "Go: ") {
		t.Errorf("Full() = %q, want Go version line", Full())
	}
}
