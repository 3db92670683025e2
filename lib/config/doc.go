// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chatsync.
//
// Configuration is loaded from a single file named either by the
// CHATSYNC_CONFIG environment variable (via [Load]) or by a --config
// flag (via [LoadFile]). There is no discovery and no search path.
//
// The file is decoded over [Default], which carries every timing
// constant and bound the session components use: probe interval and
// deadline, failure threshold, retry and reconnect backoff, typing
// pause and expiry, the ingest coalescing window and index bounds,
// refresh batch sizes and per-quality delays. Durations are written as
// Go duration strings ("120s", "1.5s").
//
// The store path supports ${HOME}, ${CHATSYNC_STATE}, and
// ${VAR:-default} expansion. [Config.Validate] reports every invalid
// field at once via errors.Join.
//
// This package depends on no other chatsync packages.
package config
