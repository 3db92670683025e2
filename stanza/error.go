// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"errors"
	"fmt"
)

// Error is a protocol-level error carried in an error-typed unit.
// Callers can use errors.As to extract it:
//
//	var stanzaErr *stanza.Error
//	if errors.As(err, &stanzaErr) {
//	    if stanzaErr.Condition == stanza.ConditionForbidden { ... }
//	}
type Error struct {
	// Type is the error class: cancel, continue, modify, auth, wait.
	Type string
	// Condition is the defined condition element name
	// ("forbidden", "item-not-found", ...).
	Condition string
	// Text is the optional human-readable description.
	Text string
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza: %s (%s): %s", e.Condition, e.Type, e.Text)
	}
	return fmt.Sprintf("stanza: %s (%s)", e.Condition, e.Type)
}

// Defined conditions the session reacts to.
const (
	ConditionBadRequest            = "bad-request"
	ConditionConflict              = "conflict"
	ConditionFeatureNotImplemented = "feature-not-implemented"
	ConditionForbidden             = "forbidden"
	ConditionItemNotFound          = "item-not-found"
	ConditionNotAllowed            = "not-allowed"
	ConditionNotAuthorized         = "not-authorized"
	ConditionRemoteServerTimeout   = "remote-server-timeout"
	ConditionServiceUnavailable    = "service-unavailable"
	ConditionUndefined             = "undefined-condition"
)

// Error types.
const (
	ErrorTypeCancel = "cancel"
	ErrorTypeModify = "modify"
	ErrorTypeAuth   = "auth"
	ErrorTypeWait   = "wait"
)

// IsCondition checks whether err is a *Error with the given condition.
func IsCondition(err error, condition string) bool {
	var stanzaErr *Error
	if errors.As(err, &stanzaErr) {
		return stanzaErr.Condition == condition
	}
	return false
}

// IsPermission reports whether the condition denies the action for
// the requesting identity. Such errors are not transient.
func (e *Error) IsPermission() bool {
	switch e.Condition {
	case ConditionForbidden, ConditionNotAllowed, ConditionNotAuthorized:
		return true
	}
	return false
}

// Element renders e as an <error/> child.
func (e *Error) Element() *Element {
	element := NewElement(NamespaceClient, "error", "type", e.Type)
	condition := e.Condition
	if condition == "" {
		condition = ConditionUndefined
	}
	element.Append(NewElement(NamespaceStanzas, condition))
	if e.Text != "" {
		element.Append(NewElement(NamespaceStanzas, "text").WithText(e.Text))
	}
	return element
}

func parseError(element *Element) *Error {
	if element == nil {
		return &Error{Type: ErrorTypeCancel, Condition: ConditionUndefined}
	}
	result := &Error{Type: element.Attribute("type"), Condition: ConditionUndefined}
	for _, child := range element.Children {
		if child.Name.Space != NamespaceStanzas {
			continue
		}
		if child.Name.Local == "text" {
			result.Text = child.Text
		} else {
			result.Condition = child.Name.Local
		}
	}
	return result
}

// ErrorReply returns an error-typed reply to request carrying err.
func ErrorReply(request Unit, err *Error) Unit {
	element := NewElement(NamespaceClient, request.element.Name.Local,
		"type", TypeError, "to", request.From(), "from", request.To(), "id", request.ID())
	element.Append(err.Element())
	return Wrap(element)
}
