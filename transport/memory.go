// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/bureau-foundation/chatsync/stanza"
)

// Compile-time interface check.
var _ Transport = (*Memory)(nil)

// Responder inspects one sent unit and returns the replies the fake
// server produces for it. handled stops later responders from seeing
// the unit.
type Responder func(sent stanza.Unit) (replies []stanza.Unit, handled bool)

// Memory is an in-process Transport for tests and replay. Sent units
// are recorded; registered responders script the server's replies,
// which are delivered to the attached sink synchronously from Send.
type Memory struct {
	mu         sync.Mutex
	sink       Sink
	responders []Responder
	sent       []stanza.Unit

	sendErr             error
	reauthenticateErr   error
	reauthenticateCount int
}

// NewMemory returns a Memory transport with no responders.
func NewMemory() *Memory {
	return &Memory{}
}

// Attach sets the sink that receives injected units and replies.
func (m *Memory) Attach(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Respond appends a responder. Responders run in registration order.
func (m *Memory) Respond(responder Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders = append(m.responders, responder)
}

// FailSends makes every later Send return err. Nil restores success.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// FailReauthenticate makes every later Reauthenticate return err.
func (m *Memory) FailReauthenticate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauthenticateErr = err
}

func (m *Memory) Send(ctx context.Context, unit stanza.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, unit)
	responders := append([]Responder(nil), m.responders...)
	sink := m.sink
	m.mu.Unlock()

	// Responders and the sink run without the lock so they may call
	// back into Send.
	for _, responder := range responders {
		replies, handled := responder(unit)
		if sink != nil {
			for _, reply := range replies {
				sink(reply)
			}
		}
		if handled {
			break
		}
	}
	return nil
}

func (m *Memory) Reauthenticate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauthenticateCount++
	return m.reauthenticateErr
}

// Inject delivers unit to the sink as if the server sent it.
func (m *Memory) Inject(unit stanza.Unit) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(unit)
	}
}

// Sent returns a copy of every unit sent so far.
func (m *Memory) Sent() []stanza.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stanza.Unit(nil), m.sent...)
}

// SentMatching returns the sent units for which match is true.
func (m *Memory) SentMatching(match func(stanza.Unit) bool) []stanza.Unit {
	var found []stanza.Unit
	for _, unit := range m.Sent() {
		if match(unit) {
			found = append(found, unit)
		}
	}
	return found
}

// ClearSent forgets the recorded units.
func (m *Memory) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// ReauthenticateCount returns how many times Reauthenticate ran.
func (m *Memory) ReauthenticateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauthenticateCount
}

// AnswerPings is a Responder that replies to liveness probes.
func AnswerPings(sent stanza.Unit) ([]stanza.Unit, bool) {
	if !stanza.IsPing(sent) {
		return nil, false
	}
	return []stanza.Unit{stanza.Result(sent)}, true
}

// AnswerQueries is a Responder that replies to every get or set IQ
// with an empty result, and completes archive queries with an empty
// final page.
func AnswerQueries(sent stanza.Unit) ([]stanza.Unit, bool) {
	if sent.Kind() != stanza.KindIQ || (sent.Type() != stanza.IQGet && sent.Type() != stanza.IQSet) {
		return nil, false
	}
	reply := stanza.Result(sent)
	if sent.Child(stanza.NamespaceArchive, "query") != nil {
		reply.Element().Append(stanza.NewElement(stanza.NamespaceArchive, "fin", "complete", "true"))
	}
	return []stanza.Unit{reply}, true
}
