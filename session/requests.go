// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/stanza"
)

type response struct {
	unit stanza.Unit
	err  error
}

type listener struct {
	peer    string
	reply   chan response
	timeout *clock.Timer
}

// requests correlates IQ replies with their requests by id. Each
// listener fires at most once and removes itself on its first match,
// its timeout, or cancellation. A reply is accepted only when accept
// approves its sender for the peer the request was addressed to.
type requests struct {
	clock  clock.Clock
	accept func(peer, from string) bool

	mu      sync.Mutex
	pending map[string]*listener
}

func newRequests(clk clock.Clock, accept func(peer, from string) bool) *requests {
	return &requests{clock: clk, accept: accept, pending: make(map[string]*listener)}
}

// register returns the channel that will receive the reply to the
// request id sent to peer, or ErrTimeout after timeout.
func (r *requests) register(id, peer string, timeout time.Duration) <-chan response {
	entry := &listener{peer: peer, reply: make(chan response, 1)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = entry
	entry.timeout = r.clock.AfterFunc(timeout, func() {
		r.finish(id, entry, response{err: ErrTimeout})
	})
	return entry.reply
}

// resolve hands unit to the listener waiting for its id. It returns
// false if nobody was waiting or the sender is not the peer asked.
func (r *requests) resolve(unit stanza.Unit) bool {
	r.mu.Lock()
	entry, ok := r.pending[unit.ID()]
	r.mu.Unlock()
	if !ok || (r.accept != nil && !r.accept(entry.peer, unit.From())) {
		return false
	}
	return r.finish(unit.ID(), entry, response{unit: unit})
}

// cancel drops the listener for id without delivering anything.
func (r *requests) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pending[id]; ok {
		entry.timeout.Stop()
		delete(r.pending, id)
	}
}

// closeAll fails every pending listener with err.
func (r *requests) closeAll(err error) {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[string]*listener)
	r.mu.Unlock()
	for _, entry := range entries {
		entry.timeout.Stop()
		entry.reply <- response{err: err}
	}
}

func (r *requests) finish(id string, entry *listener, result response) bool {
	r.mu.Lock()
	if r.pending[id] != entry {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	r.mu.Unlock()
	entry.timeout.Stop()
	entry.reply <- result
	return true
}

// outstanding returns the number of pending listeners.
func (r *requests) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
