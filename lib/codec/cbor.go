// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	// address.Address and other text-marshaled identities travel as
	// CBOR text strings rather than empty maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalString encodes v for a string-valued store.
func MarshalString(v any) (string, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: encoding %T: %w", v, err)
	}
	return string(data), nil
}

// UnmarshalString decodes a value written by MarshalString.
func UnmarshalString(value string, v any) error {
	if err := decMode.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("codec: decoding %T: %w", v, err)
	}
	return nil
}
