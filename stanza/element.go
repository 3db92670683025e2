// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"encoding/xml"
	"io"
	"strings"
)

// xmlNamespace is the namespace encoding/xml assigns to the reserved
// "xml" prefix (xml:lang).
const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// Element is a namespaced XML element with its attributes, child
// elements, and character data. Mixed content is flattened: Text holds
// all character data directly inside the element, concatenated.
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []*Element
	Text     string
}

// NewElement returns an element in namespace space. attributes are
// name/value pairs; a trailing unpaired name is ignored.
func NewElement(space, local string, attributes ...string) *Element {
	element := &Element{Name: xml.Name{Space: space, Local: local}}
	for index := 0; index+1 < len(attributes); index += 2 {
		element.SetAttribute(attributes[index], attributes[index+1])
	}
	return element
}

// Attribute returns the value of the unprefixed attribute name, or "".
func (e *Element) Attribute(name string) string {
	if e == nil {
		return ""
	}
	for _, attribute := range e.Attr {
		if attribute.Name.Local == name && attribute.Name.Space == "" {
			return attribute.Value
		}
	}
	return ""
}

// HasAttribute reports whether the unprefixed attribute name is present.
func (e *Element) HasAttribute(name string) bool {
	if e == nil {
		return false
	}
	for _, attribute := range e.Attr {
		if attribute.Name.Local == name && attribute.Name.Space == "" {
			return true
		}
	}
	return false
}

// SetAttribute sets or replaces the unprefixed attribute name. An empty
// value removes it. Returns e for chaining.
func (e *Element) SetAttribute(name, value string) *Element {
	for index, attribute := range e.Attr {
		if attribute.Name.Local == name && attribute.Name.Space == "" {
			if value == "" {
				e.Attr = append(e.Attr[:index], e.Attr[index+1:]...)
			} else {
				e.Attr[index].Value = value
			}
			return e
		}
	}
	if value != "" {
		e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	}
	return e
}

// Append adds children and returns e. Nil children are skipped.
func (e *Element) Append(children ...*Element) *Element {
	for _, child := range children {
		if child != nil {
			e.Children = append(e.Children, child)
		}
	}
	return e
}

// WithText sets the character data and returns e.
func (e *Element) WithText(text string) *Element {
	e.Text = text
	return e
}

// Is reports whether e has the given namespace and local name. An empty
// space matches any namespace.
func (e *Element) Is(space, local string) bool {
	if e == nil {
		return false
	}
	return e.Name.Local == local && (space == "" || e.Name.Space == space)
}

// Child returns the first direct child matching space and local, or
// nil. An empty space matches any namespace; an empty local matches any
// name in space.
func (e *Element) Child(space, local string) *Element {
	if e == nil {
		return nil
	}
	for _, child := range e.Children {
		if matches(child, space, local) {
			return child
		}
	}
	return nil
}

// ChildrenNamed returns every direct child matching space and local,
// with the same wildcard rules as Child.
func (e *Element) ChildrenNamed(space, local string) []*Element {
	if e == nil {
		return nil
	}
	var found []*Element
	for _, child := range e.Children {
		if matches(child, space, local) {
			found = append(found, child)
		}
	}
	return found
}

// ChildText returns the text of the first matching child, or "".
func (e *Element) ChildText(space, local string) string {
	child := e.Child(space, local)
	if child == nil {
		return ""
	}
	return child.Text
}

// ChildInNamespace returns the first direct child in namespace space,
// whatever its local name.
func (e *Element) ChildInNamespace(space string) *Element {
	return e.Child(space, "")
}

func matches(element *Element, space, local string) bool {
	if space != "" && element.Name.Space != space {
		return false
	}
	return local == "" || element.Name.Local == local
}

// String renders e as XML. Namespace declarations are written only
// where an element's namespace differs from its parent's.
func (e *Element) String() string {
	var builder strings.Builder
	e.write(&builder, "")
	return builder.String()
}

// WriteTo writes the XML rendering of e to writer.
func (e *Element) WriteTo(writer io.Writer) (int64, error) {
	written, err := io.WriteString(writer, e.String())
	return int64(written), err
}

func (e *Element) write(builder *strings.Builder, parentSpace string) {
	builder.WriteByte('<')
	builder.WriteString(e.Name.Local)
	if e.Name.Space != parentSpace {
		builder.WriteString(` xmlns="`)
		escapeInto(builder, e.Name.Space)
		builder.WriteByte('"')
	}
	for _, attribute := range e.Attr {
		builder.WriteByte(' ')
		if attribute.Name.Space == xmlNamespace {
			builder.WriteString("xml:")
		}
		builder.WriteString(attribute.Name.Local)
		builder.WriteString(`="`)
		escapeInto(builder, attribute.Value)
		builder.WriteByte('"')
	}
	if len(e.Children) == 0 && e.Text == "" {
		builder.WriteString("/>")
		return
	}
	builder.WriteByte('>')
	escapeInto(builder, e.Text)
	for _, child := range e.Children {
		child.write(builder, e.Name.Space)
	}
	builder.WriteString("</")
	builder.WriteString(e.Name.Local)
	builder.WriteByte('>')
}

func escapeInto(builder *strings.Builder, text string) {
	// xml.EscapeText only fails when the writer fails, and
	// strings.Builder never does.
	_ = xml.EscapeText(builder, []byte(text))
}

// Clone returns a deep copy of e.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	clone := &Element{
		Name: e.Name,
		Attr: append([]xml.Attr(nil), e.Attr...),
		Text: e.Text,
	}
	for _, child := range e.Children {
		clone.Children = append(clone.Children, child.Clone())
	}
	return clone
}

// decodeElement reads the remainder of the element opened by start.
// Namespace declaration attributes are dropped; encoding/xml has
// already resolved them into Name.Space.
func decodeElement(decoder *xml.Decoder, start xml.StartElement) (*Element, error) {
	element := &Element{Name: start.Name}
	for _, attribute := range start.Attr {
		if attribute.Name.Space == "xmlns" || (attribute.Name.Space == "" && attribute.Name.Local == "xmlns") {
			continue
		}
		element.Attr = append(element.Attr, attribute)
	}

	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch token := token.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder, token)
			if err != nil {
				return nil, err
			}
			element.Children = append(element.Children, child)
		case xml.CharData:
			text.Write(token)
		case xml.EndElement:
			element.Text = text.String()
			if len(element.Children) > 0 && strings.TrimSpace(element.Text) == "" {
				element.Text = ""
			}
			return element, nil
		}
	}
}
