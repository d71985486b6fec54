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

package ca

import (
	"crypto/x509/pkix"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var idRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidateID returns an error if id is not a usable department id. It is
// the single check used by the CA layer, the API and the CLI.
func ValidateID(id string) error {
	if !idRegex.MatchString(id) || strings.Contains(id, "..") || id == "." {
		return fmt.Errorf("%w %q: must match ^[a-z0-9._-]+$ and must not contain ..", ErrInvalidID, id)
	}
	return nil
}

func validateDepartmentID(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if id == RootID {
		return fmt.Errorf("%w %q: reserved for the root authority", ErrInvalidID, id)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9._-]+`)

// baseName derives an artifact base name from a common name and a
// nanosecond timestamp.
func baseName(cn string, at time.Time) string {
	name := unsafeName.ReplaceAllString(strings.ToLower(cn), "_")
	name = strings.Trim(strings.ReplaceAll(name, "..", "_"), "._-")
	if name == "" {
		name = "cert"
	}
	return name + "-" + at.UTC().Format("20060102T150405.000000000Z")
}

var attrShortNames = map[string]string{
	"2.5.4.3":              "CN",
	"2.5.4.5":              "serialNumber",
	"2.5.4.6":              "C",
	"2.5.4.7":              "L",
	"2.5.4.8":              "ST",
	"2.5.4.9":              "street",
	"2.5.4.10":             "O",
	"2.5.4.11":             "OU",
	"1.2.840.113549.1.9.1": "emailAddress",
}

// formatSubject renders name in the one-line form used by the ledger
// ("/O=Example/OU=hq/CN=web1.example").
func formatSubject(name pkix.Name) string {
	var b strings.Builder
	for _, rdn := range name.ToRDNSequence() {
		for _, atv := range rdn {
			key, ok := attrShortNames[atv.Type.String()]
			if !ok {
				key = atv.Type.String()
			}
			fmt.Fprintf(&b, "/%s=%v", key, atv.Value)
		}
	}
	return b.String()
}
