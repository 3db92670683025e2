// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/chatsync/stanza"
)

var (
	// ErrNotConnected is returned by actions invoked while the session
	// has no usable stream. Nothing is queued.
	ErrNotConnected = errors.New("session: not connected")

	// ErrTimeout is returned when a correlated request gets no answer
	// within the request timeout.
	ErrTimeout = errors.New("session: request timed out")

	// ErrClosed is returned for requests still pending at Close.
	ErrClosed = errors.New("session: closed")
)

// PermissionError is a request the server refused for lack of
// privilege. It is never retried automatically.
type PermissionError struct {
	Operation string
	Target    string
	Err       *stanza.Error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: %s %s: permission denied: %v", e.Operation, e.Target, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// classify wraps a stanza error as a PermissionError when the condition
// is a privilege failure.
func classify(operation, target string, err error) error {
	var stanzaErr *stanza.Error
	if errors.As(err, &stanzaErr) && stanzaErr.IsPermission() {
		return &PermissionError{Operation: operation, Target: target, Err: stanzaErr}
	}
	if err != nil {
		return fmt.Errorf("session: %s %s: %w", operation, target, err)
	}
	return nil
}
