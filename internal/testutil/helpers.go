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

package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"time"

	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
)

// KeyBits keeps test keys at 2048 bits; 4096-bit generation dominates
// suite run time otherwise.
const KeyBits = 2048

// GenerateTestCA returns a self-signed CA valid for one day.
func GenerateTestCA(cn string) (*x509.Certificate, *rsa.PrivateKey, error) {
	eng := signer.New()
	key, err := eng.GenerateKey(KeyBits)
	if err != nil {
		return nil, nil, err
	}
	cert, err := eng.SelfSign(key, pkix.Name{CommonName: cn, Organization: []string{"deptca test"}}, 1, 1)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// GenerateCSR returns a PEM CSR for cn carrying the given TYPE:value SANs,
// along with its key.
func GenerateCSR(cn string, sans ...string) ([]byte, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, nil, err
	}
	set, err := profile.MergeSANs(profile.SANSet{}, sans)
	if err != nil {
		return nil, nil, err
	}
	csr, err := signer.New().CreateCSR(key, pkix.Name{CommonName: cn}, set)
	if err != nil {
		return nil, nil, err
	}
	return signer.EncodeCSR(csr), key, nil
}

// TamperCSR flips a bit in the CSR signature so CheckSignature fails while
// the request still parses.
func TamperCSR(csrPEM []byte) []byte {
	block, _ := pem.Decode(csrPEM)
	der := append([]byte(nil), block.Bytes...)
	der[len(der)-1] ^= 0x01
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
}

// FixedClock returns a Now function pinned to t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// MustParseCert is for fixtures that are known to be valid.
func MustParseCert(data []byte) *x509.Certificate {
	cert, err := signer.ParseCert(data)
	if err != nil {
		panic(err)
	}
	return cert
}
