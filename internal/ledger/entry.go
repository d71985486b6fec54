// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Status is the persisted state of a ledger entry. Expiry is never stored;
// it is derived at query time from Entry.Expiry.
type Status string

const (
	StatusValid   Status = "V"
	StatusRevoked Status = "R"
)

// Reason is an RFC 5280 CRLReason code.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "CACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "AACompromise",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Valid reports whether r is a reason code that may appear in a CRL.
func (r Reason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// ParseReason accepts the openssl reason names (case-insensitive).
// An empty string yields ReasonUnspecified.
func ParseReason(s string) (Reason, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidReason, s)
}

// Entry is one issued certificate. The composite key is (authority, Serial).
type Entry struct {
	Serial    uint64    `json:"serial"`
	Status    Status    `json:"status"`
	Expiry    time.Time `json:"expiry"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
	Reason    Reason    `json:"reason,omitempty"`
	Path      string    `json:"path"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`
}

func (e *Entry) Revoked() bool {
	return e.Status == StatusRevoked
}

// CommonName extracts the CN attribute from the one-line subject
// ("/O=Example/CN=web1.example").
func (e *Entry) CommonName() string {
	for _, part := range strings.Split(e.Subject, "/") {
		if v, ok := strings.CutPrefix(part, "CN="); ok {
			return v
		}
	}
	return ""
}

// Counters are the two monotonic allocators persisted alongside the entries.
type Counters struct {
	NextSerial    uint64 `json:"next_serial"`
	NextCRLNumber uint64 `json:"next_crl_number"`
}

func (c Counters) zero() bool {
	return c.NextSerial == 0 && c.NextCRLNumber == 0
}
