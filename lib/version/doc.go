// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the chatsync
// CLI.
//
// Four package-level variables are injected at build time via
// -ldflags -X: [GitCommit], [GitDirty], [BuildTime], and [Version].
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs.
//
// [Info] formats the --version line; [Full] adds the Go version and
// platform.
package version
