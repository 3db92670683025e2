// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Decoder reads top-level units from an XML stream. A stream may be
// wrapped in a <stream:stream> element or be a bare sequence of units;
// both forms yield the same units. Stream features and other non-unit
// elements at the top level are skipped.
type Decoder struct {
	decoder *xml.Decoder
}

// NewDecoder returns a Decoder reading from reader.
func NewDecoder(reader io.Reader) *Decoder {
	decoder := xml.NewDecoder(reader)
	decoder.DefaultSpace = NamespaceClient
	return &Decoder{decoder: decoder}
}

// Next returns the next unit, or io.EOF when the stream ends (either
// at end of input or at the closing stream tag).
func (d *Decoder) Next() (Unit, error) {
	for {
		token, err := d.decoder.Token()
		if err != nil {
			return Unit{}, err
		}
		switch token := token.(type) {
		case xml.StartElement:
			if token.Name.Local == "stream" {
				// Descend into the stream wrapper.
				continue
			}
			element, err := decodeElement(d.decoder, token)
			if err != nil {
				return Unit{}, fmt.Errorf("stanza: decoding <%s>: %w", token.Name.Local, err)
			}
			unit := Wrap(element)
			if unit.Kind() == KindUnknown {
				continue
			}
			return unit, nil
		case xml.EndElement:
			if token.Name.Local == "stream" {
				return Unit{}, io.EOF
			}
		}
	}
}

// Parse decodes exactly one unit from text.
func Parse(text string) (Unit, error) {
	unit, err := NewDecoder(strings.NewReader(text)).Next()
	if err == io.EOF {
		return Unit{}, fmt.Errorf("stanza: no unit in input")
	}
	if err != nil {
		return Unit{}, err
	}
	return unit, nil
}

// MustParse is Parse for tests and fixed inputs; it panics on error.
func MustParse(text string) Unit {
	unit, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return unit
}
