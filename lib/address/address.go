// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"fmt"
	"strings"
	"unicode"
)

// maxPartLength is the per-part byte limit from RFC 7622.
const maxPartLength = 1023

// forbiddenLocalChars may not appear in the local part.
const forbiddenLocalChars = "\"&'/:<>@"

// Address is an immutable, validated XMPP address. The zero value is
// not a valid address; check with IsZero.
type Address struct {
	local    string
	domain   string
	resource string
}

// Parse validates raw and returns the Address. Returns an error for an
// empty string, an empty domain, whitespace or control characters, an
// empty local part before '@', an empty resource after '/', or any
// part longer than 1023 bytes.
func Parse(raw string) (Address, error) {
	if raw == "" {
		return Address{}, fmt.Errorf("address: empty address")
	}

	bareString, resource, hasResource := strings.Cut(raw, "/")
	if hasResource && resource == "" {
		return Address{}, fmt.Errorf("address: %q has an empty resource", raw)
	}

	local, domain, hasLocal := strings.Cut(bareString, "@")
	if !hasLocal {
		domain, local = local, ""
	} else if local == "" {
		return Address{}, fmt.Errorf("address: %q has an empty local part", raw)
	}
	if domain == "" {
		return Address{}, fmt.Errorf("address: %q has an empty domain", raw)
	}

	if err := validatePart("local part", local); err != nil {
		return Address{}, fmt.Errorf("address: %q: %w", raw, err)
	}
	if strings.ContainsAny(local, forbiddenLocalChars) {
		return Address{}, fmt.Errorf("address: %q: local part contains a forbidden character", raw)
	}
	if err := validatePart("domain", domain); err != nil {
		return Address{}, fmt.Errorf("address: %q: %w", raw, err)
	}
	if strings.ContainsAny(domain, "@") {
		return Address{}, fmt.Errorf("address: %q: domain contains '@'", raw)
	}
	if err := validateResource(resource); err != nil {
		return Address{}, fmt.Errorf("address: %q: %w", raw, err)
	}

	return Address{
		local:    strings.ToLower(local),
		domain:   strings.ToLower(domain),
		resource: resource,
	}, nil
}

// MustParse is Parse for constants and tests. Panics on error.
func MustParse(raw string) Address {
	parsed, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return parsed
}

func validatePart(name, part string) error {
	if len(part) > maxPartLength {
		return fmt.Errorf("%s longer than %d bytes", name, maxPartLength)
	}
	for _, r := range part {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%s contains whitespace or a control character", name)
		}
	}
	return nil
}

// validateResource allows interior spaces (room nicknames use them)
// but not control characters or surrounding whitespace.
func validateResource(resource string) error {
	if len(resource) > maxPartLength {
		return fmt.Errorf("resource longer than %d bytes", maxPartLength)
	}
	if strings.TrimSpace(resource) != resource {
		return fmt.Errorf("resource has leading or trailing whitespace")
	}
	for _, r := range resource {
		if unicode.IsControl(r) {
			return fmt.Errorf("resource contains a control character")
		}
	}
	return nil
}

// String returns the full textual form.
func (a Address) String() string {
	if a.resource == "" {
		return a.BareString()
	}
	return a.BareString() + "/" + a.resource
}

// BareString returns local@domain, or domain when there is no local part.
func (a Address) BareString() string {
	if a.local == "" {
		return a.domain
	}
	return a.local + "@" + a.domain
}

// Bare returns the address without its resource.
func (a Address) Bare() Address {
	return Address{local: a.local, domain: a.domain}
}

// WithResource returns a copy of the bare address with resource set.
func (a Address) WithResource(resource string) (Address, error) {
	if resource == "" {
		return a.Bare(), nil
	}
	if err := validateResource(resource); err != nil {
		return Address{}, fmt.Errorf("address: resource %q: %w", resource, err)
	}
	return Address{local: a.local, domain: a.domain, resource: resource}, nil
}

// Local returns the local part (empty for a server address).
func (a Address) Local() string { return a.local }

// Domain returns the domain part.
func (a Address) Domain() string { return a.domain }

// Resource returns the resource part. For a room occupant this is the
// nickname.
func (a Address) Resource() string { return a.resource }

// IsZero reports whether a is the zero value.
func (a Address) IsZero() bool { return a.domain == "" }

// IsBare reports whether a carries no resource.
func (a Address) IsBare() bool { return a.resource == "" }

// Equal compares full addresses.
func (a Address) Equal(other Address) bool { return a == other }

// BareEqual compares addresses ignoring resources.
func (a Address) BareEqual(other Address) bool {
	return a.local == other.local && a.domain == other.domain
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// yields the zero value.
func (a *Address) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// BareOf parses raw and returns its bare string form. Unparseable input
// is returned with any resource cut off, so callers comparing raw
// protocol strings still get a best-effort bare form.
func BareOf(raw string) string {
	parsed, err := Parse(raw)
	if err != nil {
		bareString, _, _ := strings.Cut(raw, "/")
		return strings.ToLower(bareString)
	}
	return parsed.BareString()
}

// ResourceOf returns the resource of raw, or "" when raw has none.
func ResourceOf(raw string) string {
	_, resource, _ := strings.Cut(raw, "/")
	return resource
}
