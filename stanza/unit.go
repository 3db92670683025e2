// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"fmt"
	"time"
)

// Kind discriminates the three top-level protocol units.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindPresence
	KindIQ
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindPresence:
		return "presence"
	case KindIQ:
		return "iq"
	default:
		return "unknown"
	}
}

// Message types.
const (
	TypeChat      = "chat"
	TypeGroupChat = "groupchat"
	TypeNormal    = "normal"
	TypeHeadline  = "headline"
	TypeError     = "error"
)

// Presence types. Available presence has no type attribute.
const (
	PresenceUnavailable  = "unavailable"
	PresenceProbe        = "probe"
	PresenceSubscribe    = "subscribe"
	PresenceSubscribed   = "subscribed"
	PresenceUnsubscribed = "unsubscribed"
)

// IQ types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Unit is one parsed protocol unit. The zero Unit is invalid; use
// Kind to discriminate before reading kind-specific helpers.
type Unit struct {
	element *Element
}

// Wrap returns element as a Unit. The element is not copied.
func Wrap(element *Element) Unit {
	return Unit{element: element}
}

// Element returns the underlying element. Callers must not mutate it
// once the unit has been dispatched.
func (u Unit) Element() *Element { return u.element }

// Kind returns which unit this is, by element name.
func (u Unit) Kind() Kind {
	if u.element == nil {
		return KindUnknown
	}
	switch u.element.Name.Local {
	case "message":
		return KindMessage
	case "presence":
		return KindPresence
	case "iq":
		return KindIQ
	default:
		return KindUnknown
	}
}

// IsZero reports whether u wraps no element.
func (u Unit) IsZero() bool { return u.element == nil }

func (u Unit) From() string { return u.element.Attribute("from") }
func (u Unit) To() string   { return u.element.Attribute("to") }
func (u Unit) ID() string   { return u.element.Attribute("id") }
func (u Unit) Type() string { return u.element.Attribute("type") }

// Body returns the message body text, or "".
func (u Unit) Body() string { return u.element.ChildText("", "body") }

// HasBody reports whether a body element is present, even if empty.
func (u Unit) HasBody() bool { return u.element.Child("", "body") != nil }

// Subject returns the message subject text, or "".
func (u Unit) Subject() string { return u.element.ChildText("", "subject") }

// Child returns the first direct child in space with local name.
func (u Unit) Child(space, local string) *Element { return u.element.Child(space, local) }

// Attribute returns a top-level attribute.
func (u Unit) Attribute(name string) string { return u.element.Attribute(name) }

// IsError reports whether the unit carries type="error".
func (u Unit) IsError() bool { return u.Type() == TypeError }

// Err returns the stanza error carried by an error-typed unit, or nil.
func (u Unit) Err() *Error {
	if !u.IsError() {
		return nil
	}
	return parseError(u.element.Child("", "error"))
}

// Payload returns the first child of an IQ, which carries its query.
func (u Unit) Payload() *Element {
	if u.element == nil {
		return nil
	}
	for _, child := range u.element.Children {
		if child.Name.Local != "error" {
			return child
		}
	}
	return nil
}

// OriginID returns the origin-id a sending client stamped, or "".
func (u Unit) OriginID() string {
	return u.element.Child(NamespaceStanzaID, "origin-id").Attribute("id")
}

// Delay returns the delay stamp, if the unit carries one.
func (u Unit) Delay() (time.Time, bool) {
	return delayStamp(u.element)
}

func (u Unit) String() string {
	if u.element == nil {
		return "<nil>"
	}
	return u.element.String()
}

// Clone returns a unit wrapping a deep copy of u's element.
func (u Unit) Clone() Unit { return Unit{element: u.element.Clone()} }

// WithFrom returns a copy of u with the from attribute replaced.
func (u Unit) WithFrom(from string) Unit {
	clone := u.Clone()
	clone.element.SetAttribute("from", from)
	return clone
}

// WithID returns a copy of u with the id attribute replaced.
func (u Unit) WithID(id string) Unit {
	clone := u.Clone()
	clone.element.SetAttribute("id", id)
	return clone
}

func delayStamp(element *Element) (time.Time, bool) {
	delay := element.Child(NamespaceDelay, "delay")
	if delay == nil {
		return time.Time{}, false
	}
	stamp, err := time.Parse(time.RFC3339Nano, delay.Attribute("stamp"))
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

// NewMessage returns a message unit.
func NewMessage(to, messageType, id string) Unit {
	return Wrap(NewElement(NamespaceClient, "message", "to", to, "type", messageType, "id", id))
}

// NewPresence returns a presence unit. Empty presenceType means
// available.
func NewPresence(to, presenceType string) Unit {
	return Wrap(NewElement(NamespaceClient, "presence", "to", to, "type", presenceType))
}

// NewIQ returns an IQ unit with payload as its only child.
func NewIQ(iqType, to, id string, payload *Element) Unit {
	element := NewElement(NamespaceClient, "iq", "type", iqType, "to", to, "id", id)
	element.Append(payload)
	return Wrap(element)
}

// Validate checks that u has a known kind and, for IQs, a type and id.
func (u Unit) Validate() error {
	switch u.Kind() {
	case KindMessage, KindPresence:
		return nil
	case KindIQ:
		switch u.Type() {
		case IQGet, IQSet, IQResult, IQError:
		default:
			return fmt.Errorf("stanza: iq has invalid type %q", u.Type())
		}
		if u.ID() == "" {
			return fmt.Errorf("stanza: iq has no id")
		}
		return nil
	default:
		if u.element == nil {
			return fmt.Errorf("stanza: empty unit")
		}
		return fmt.Errorf("stanza: unknown unit <%s>", u.element.Name.Local)
	}
}
