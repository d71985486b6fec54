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

package profile

import (
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// SANType is one of the accepted SAN prefixes.
type SANType string

const (
	SANDNS   SANType = "DNS"
	SANIP    SANType = "IP"
	SANEmail SANType = "email"
	SANURI   SANType = "URI"
)

type SAN struct {
	Type  SANType
	Value string
}

func (s SAN) String() string {
	return string(s.Type) + ":" + s.Value
}

// ParseSAN parses "TYPE:value". The type prefix is matched
// case-insensitively against DNS, IP, email and URI.
func ParseSAN(s string) (SAN, error) {
	prefix, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return SAN{}, fmt.Errorf("%w: %q (expected TYPE:value)", ErrInvalidSAN, s)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return SAN{}, fmt.Errorf("%w: %q has an empty value", ErrInvalidSAN, s)
	}

	switch {
	case strings.EqualFold(prefix, string(SANDNS)):
		if strings.ContainsAny(value, " /@") {
			return SAN{}, fmt.Errorf("%w: bad DNS name %q", ErrInvalidSAN, value)
		}
		return SAN{SANDNS, value}, nil
	case strings.EqualFold(prefix, string(SANIP)):
		if net.ParseIP(value) == nil {
			return SAN{}, fmt.Errorf("%w: bad IP address %q", ErrInvalidSAN, value)
		}
		return SAN{SANIP, value}, nil
	case strings.EqualFold(prefix, string(SANEmail)):
		if !strings.Contains(value, "@") {
			return SAN{}, fmt.Errorf("%w: bad email address %q", ErrInvalidSAN, value)
		}
		return SAN{SANEmail, value}, nil
	case strings.EqualFold(prefix, string(SANURI)):
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" {
			return SAN{}, fmt.Errorf("%w: bad URI %q", ErrInvalidSAN, value)
		}
		return SAN{SANURI, value}, nil
	}
	return SAN{}, fmt.Errorf("%w: unsupported type %q (supported: DNS, IP, email, URI)", ErrInvalidSAN, prefix)
}

// SANSet holds SANs in the shape x509.Certificate expects.
type SANSet struct {
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
	URIs           []*url.URL
}

// FromCSR returns the SANs embedded in csr.
func FromCSR(csr *x509.CertificateRequest) SANSet {
	return SANSet{
		DNSNames:       slices.Clone(csr.DNSNames),
		IPAddresses:    slices.Clone(csr.IPAddresses),
		EmailAddresses: slices.Clone(csr.EmailAddresses),
		URIs:           slices.Clone(csr.URIs),
	}
}

// FromCert returns the SANs of an issued certificate.
func FromCert(cert *x509.Certificate) SANSet {
	return SANSet{
		DNSNames:       slices.Clone(cert.DNSNames),
		IPAddresses:    slices.Clone(cert.IPAddresses),
		EmailAddresses: slices.Clone(cert.EmailAddresses),
		URIs:           slices.Clone(cert.URIs),
	}
}

func (s SANSet) Empty() bool {
	return len(s.DNSNames) == 0 && len(s.IPAddresses) == 0 &&
		len(s.EmailAddresses) == 0 && len(s.URIs) == 0
}

// Strings renders the set as TYPE:value entries.
func (s SANSet) Strings() []string {
	var out []string
	for _, d := range s.DNSNames {
		out = append(out, SAN{SANDNS, d}.String())
	}
	for _, ip := range s.IPAddresses {
		out = append(out, SAN{SANIP, ip.String()}.String())
	}
	for _, e := range s.EmailAddresses {
		out = append(out, SAN{SANEmail, e}.String())
	}
	for _, u := range s.URIs {
		out = append(out, SAN{SANURI, u.String()}.String())
	}
	return out
}

func (s *SANSet) add(san SAN) {
	switch san.Type {
	case SANDNS:
		if !slices.Contains(s.DNSNames, san.Value) {
			s.DNSNames = append(s.DNSNames, san.Value)
		}
	case SANIP:
		ip := net.ParseIP(san.Value)
		if !slices.ContainsFunc(s.IPAddresses, ip.Equal) {
			s.IPAddresses = append(s.IPAddresses, ip)
		}
	case SANEmail:
		if !slices.Contains(s.EmailAddresses, san.Value) {
			s.EmailAddresses = append(s.EmailAddresses, san.Value)
		}
	case SANURI:
		for _, u := range s.URIs {
			if u.String() == san.Value {
				return
			}
		}
		u, _ := url.Parse(san.Value)
		s.URIs = append(s.URIs, u)
	}
}

// MergeSANs appends overlay to existing. Every overlay entry is parsed
// before anything is merged, so one bad entry rejects the whole list. With
// no overlay, existing is returned unchanged.
func MergeSANs(existing SANSet, overlay []string) (SANSet, error) {
	parsed := make([]SAN, 0, len(overlay))
	for _, raw := range overlay {
		san, err := ParseSAN(raw)
		if err != nil {
			return SANSet{}, err
		}
		parsed = append(parsed, san)
	}
	if len(parsed) == 0 {
		return existing, nil
	}

	merged := SANSet{
		DNSNames:       slices.Clone(existing.DNSNames),
		IPAddresses:    slices.Clone(existing.IPAddresses),
		EmailAddresses: slices.Clone(existing.EmailAddresses),
		URIs:           slices.Clone(existing.URIs),
	}
	for _, san := range parsed {
		merged.add(san)
	}
	return merged, nil
}
