// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/stanza"
)

// Compile-time interface check.
var _ Transport = (*Stream)(nil)

// ErrNotConnected is returned by Stream.Send before the first
// successful Reauthenticate or after the connection dropped.
var ErrNotConnected = errors.New("transport: stream is not connected")

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Address is the "host:port" of a stanza endpoint that accepts an
	// already-negotiated stream, such as a local bouncer or a test
	// server. Stream does no handshake of its own.
	Address string

	// DialTimeout bounds connection establishment. Zero means only the
	// context deadline applies.
	DialTimeout time.Duration

	// Logger receives connect and disconnect messages. Nil discards them.
	Logger *slog.Logger
}

// Stream carries units as XML over one TCP connection at a time.
// Reauthenticate replaces the connection; a read loop per connection
// hands inbound units to the attached sink in arrival order.
type Stream struct {
	address     string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	sink Sink
	conn net.Conn
	// done is closed when the current connection's read loop exits.
	done chan struct{}
}

// NewStream returns an unconnected Stream.
func NewStream(config StreamConfig) (*Stream, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("transport: stream address is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Stream{
		address:     config.Address,
		dialTimeout: config.DialTimeout,
		logger:      config.Logger,
	}, nil
}

// Attach sets the sink that receives inbound units. Units that arrive
// with no sink attached are dropped.
func (s *Stream) Attach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Stream) Send(ctx context.Context, unit stanza.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: setting write deadline: %w", err)
	}
	if _, err := io.WriteString(s.conn, unit.String()); err != nil {
		return fmt.Errorf("transport: writing to %s: %w", s.address, err)
	}
	return nil
}

func (s *Stream) Reauthenticate(ctx context.Context) error {
	s.closeConnection()

	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("transport: dialing %s: %w", s.address, err)
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	s.logger.Info("stream connected", "address", s.address)
	go s.readLoop(conn, done)
	return nil
}

// readLoop decodes units from conn until it fails or is closed, then
// clears the connection if it is still the current one.
func (s *Stream) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	decoder := stanza.NewDecoder(conn)
	for {
		unit, err := decoder.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("stream read failed", "address", s.address, "error", err)
			}
			break
		}
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink(unit)
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.done = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.logger.Info("stream disconnected", "address", s.address)
}

// closeConnection closes the current connection and waits for its
// read loop to finish, so no unit from the old stream is delivered
// after it returns.
func (s *Stream) closeConnection() {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

// Connected reports whether a connection is open.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close drops the current connection. The Stream may be reconnected
// with Reauthenticate.
func (s *Stream) Close() error {
	s.closeConnection()
	return nil
}
