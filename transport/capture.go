// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/chatsync/stanza"
)

// zstdSuffix marks a compressed capture file.
const zstdSuffix = ".zst"

// CaptureReader reads recorded inbound units from a capture file. A
// capture is an XML stanza stream, optionally zstd-compressed when the
// file name ends in .zst.
type CaptureReader struct {
	file    *os.File
	zstd    *zstd.Decoder
	decoder *stanza.Decoder
}

// OpenCapture opens the capture at path.
func OpenCapture(path string) (*CaptureReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: opening capture: %w", err)
	}
	reader := &CaptureReader{file: file}
	var source io.Reader = file
	if strings.HasSuffix(path, zstdSuffix) {
		reader.zstd, err = zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("transport: opening zstd capture %s: %w", path, err)
		}
		source = reader.zstd
	}
	reader.decoder = stanza.NewDecoder(source)
	return reader, nil
}

// Next returns the next recorded unit, or io.EOF.
func (r *CaptureReader) Next() (stanza.Unit, error) {
	return r.decoder.Next()
}

// ReplayInto delivers every remaining unit to sink and returns how many
// were delivered. It stops early if ctx is cancelled.
func (r *CaptureReader) ReplayInto(ctx context.Context, sink Sink) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		unit, err := r.Next()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			return delivered, fmt.Errorf("transport: reading capture after %d units: %w", delivered, err)
		}
		sink(unit)
		delivered++
	}
}

func (r *CaptureReader) Close() error {
	if r.zstd != nil {
		r.zstd.Close()
	}
	return r.file.Close()
}

// Compile-time interface check.
var _ Transport = (*Recorder)(nil)

// Recorder wraps a Transport and appends every successfully sent unit
// to a capture file, zstd-compressed when the path ends in .zst.
type Recorder struct {
	inner Transport

	mu      sync.Mutex
	file    *os.File
	zstd    *zstd.Encoder
	writer  io.Writer
	written int
}

// NewRecorder creates (truncating) the capture file at path.
func NewRecorder(inner Transport, path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transport: creating capture: %w", err)
	}
	recorder := &Recorder{inner: inner, file: file, writer: file}
	if strings.HasSuffix(path, zstdSuffix) {
		recorder.zstd, err = zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("transport: creating zstd capture %s: %w", path, err)
		}
		recorder.writer = recorder.zstd
	}
	return recorder, nil
}

func (r *Recorder) Send(ctx context.Context, unit stanza.Unit) error {
	if err := r.inner.Send(ctx, unit); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return fmt.Errorf("transport: recorder is closed")
	}
	if _, err := io.WriteString(r.writer, unit.String()+"\n"); err != nil {
		return fmt.Errorf("transport: recording unit: %w", err)
	}
	r.written++
	return nil
}

func (r *Recorder) Reauthenticate(ctx context.Context) error {
	return r.inner.Reauthenticate(ctx)
}

// Written returns the number of units recorded.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes and closes the capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	r.writer = nil
	var errs []error
	if r.zstd != nil {
		errs = append(errs, r.zstd.Close())
	}
	errs = append(errs, r.file.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("transport: closing capture: %w", err)
	}
	return nil
}
