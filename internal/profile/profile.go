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

// Package profile maps certificate profile names to the extensions applied
// at signing and handles Subject Alternative Name input.
package profile

import (
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrUnknownProfile = errors.New("unknown profile")
	ErrInvalidSAN     = errors.New("invalid subject alternative name")
)

const (
	Server       = "server"
	VPNServer    = "vpn-server"
	Client       = "client"
	VPN          = "vpn"
	Email        = "email"
	Multipurpose = "multipurpose"

	// Default is used when no profile is named.
	Default = Multipurpose
)

// ExtensionSet is what a profile contributes to a leaf certificate.
type ExtensionSet struct {
	Name        string
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
}

var leafKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment

var profiles = map[string][]x509.ExtKeyUsage{
	Server:       {x509.ExtKeyUsageServerAuth},
	VPNServer:    {x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	Client:       {x509.ExtKeyUsageClientAuth},
	VPN:          {x509.ExtKeyUsageClientAuth},
	Email:        {x509.ExtKeyUsageEmailProtection},
	Multipurpose: {x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
}

// Resolve returns the extension set for name. An empty name selects
// Default; any other unrecognised name fails with ErrUnknownProfile.
func Resolve(name string) (ExtensionSet, error) {
	if name == "" {
		name = Default
	}
	eku, ok := profiles[name]
	if !ok {
		return ExtensionSet{}, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownProfile, name, strings.Join(Names(), ", "))
	}
	return ExtensionSet{
		Name:        name,
		KeyUsage:    leafKeyUsage,
		ExtKeyUsage: slices.Clone(eku),
	}, nil
}

// Names lists the accepted profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DefaultsToCNSAN reports whether a certificate issued under name without
// any SANs should carry its Common Name as a DNS SAN.
func DefaultsToCNSAN(name string) bool {
	return name == Server || name == VPNServer
}

// EKUNames renders extended key usages the way openssl prints them.
func EKUNames(ekus []x509.ExtKeyUsage) []string {
	names := make([]string, 0, len(ekus))
	for _, u := range ekus {
		switch u {
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "serverAuth")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "clientAuth")
		case x509.ExtKeyUsageEmailProtection:
			names = append(names, "emailProtection")
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "codeSigning")
		default:
			names = append(names, fmt.Sprintf("eku(%d)", int(u)))
		}
	}
	return names
}
