// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package address provides the validated XMPP address type used for
// every identity in a session: the local account, contacts, rooms,
// and room occupants.
//
// An address has the form [local@]domain[/resource]. The bare form
// (local@domain) names an account or a room; the full form adds the
// resource, which names one connected client of an account or, for a
// room occupant, the occupant's nickname. Several session rules
// compare identities under both forms, so Address exposes both
// without re-parsing.
//
// Local and domain parts are case-folded to lower case at parse time.
// Resources are case-sensitive and kept verbatim. Full stringprep or
// PRECIS profiles are not applied: the server is the authority on
// canonical form and echoes addresses back already normalized.
package address
