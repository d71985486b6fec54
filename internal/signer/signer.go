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

// Package signer is the cryptographic engine behind every authority: key
// generation, self-signing, certificate and CRL signing. The rest of the
// module only talks to it through Engine.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/tvaughan/deptca/internal/profile"
)

const (
	// MinKeyBits is the smallest RSA modulus GenerateKey accepts.
	MinKeyBits = 2048

	// backdate absorbs clock skew between the CA and relying parties.
	backdate = 24 * time.Hour
)

var (
	ErrWeakKey       = errors.New("RSA key too small")
	ErrIssuerExpired = errors.New("issuing certificate has expired")
)

// Request is everything needed to turn a CSR into a certificate.
type Request struct {
	CSR          *x509.CertificateRequest
	Serial       uint64
	Extensions   profile.ExtensionSet
	SANs         profile.SANSet
	ValidityDays int

	// IsCA issues an intermediate; MaxPathLen 0 forbids further CAs below it.
	IsCA       bool
	MaxPathLen int
}

// Revocation is one entry of a CRL.
type Revocation struct {
	Serial    uint64
	RevokedAt time.Time
	Reason    int
}

type Engine interface {
	GenerateKey(bits int) (*rsa.PrivateKey, error)
	CreateCSR(key crypto.Signer, subject pkix.Name, sans profile.SANSet) (*x509.CertificateRequest, error)
	SelfSign(key crypto.Signer, subject pkix.Name, serial uint64, days int) (*x509.Certificate, error)
	Sign(issuer *x509.Certificate, issuerKey crypto.Signer, req Request) (*x509.Certificate, error)
	SignCRL(issuer *x509.Certificate, issuerKey crypto.Signer, number uint64, revoked []Revocation, validity time.Duration) (*x509.RevocationList, error)
}

// X509 is the default Engine: RSA keys and SHA-256 signatures via crypto/x509.
type X509 struct {
	Rand io.Reader
	Now  func() time.Time
}

var _ Engine = (*X509)(nil)

func New() *X509 {
	return &X509{Rand: rand.Reader, Now: time.Now}
}

func (e *X509) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *X509) rand() io.Reader {
	if e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

func (e *X509) GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bits (minimum %d)", ErrWeakKey, bits, MinKeyBits)
	}
	slog.Debug("Generating RSA key", "bits", bits)
	key, err := rsa.GenerateKey(e.rand(), bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func (e *X509) CreateCSR(key crypto.Signer, subject pkix.Name, sans profile.SANSet) (*x509.CertificateRequest, error) {
	template := &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.SHA256WithRSA,
		DNSNames:           sans.DNSNames,
		IPAddresses:        sans.IPAddresses,
		EmailAddresses:     sans.EmailAddresses,
		URIs:               sans.URIs,
	}
	der, err := x509.CreateCertificateRequest(e.rand(), template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return x509.ParseCertificateRequest(der)
}

func (e *X509) SelfSign(key crypto.Signer, subject pkix.Name, serial uint64, days int) (*x509.Certificate, error) {
	skid, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, err
	}
	now := e.now()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.AddDate(0, 0, days),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(e.rand(), template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign: %w", err)
	}
	return x509.ParseCertificate(der)
}

// Sign issues a certificate for req.CSR. The validity is capped at the
// issuer's own expiry.
func (e *X509) Sign(issuer *x509.Certificate, issuerKey crypto.Signer, req Request) (*x509.Certificate, error) {
	now := e.now()
	if !now.Before(issuer.NotAfter) {
		return nil, fmt.Errorf("%w: %s expired %s", ErrIssuerExpired, issuer.Subject.CommonName, issuer.NotAfter)
	}
	notAfter := now.AddDate(0, 0, req.ValidityDays)
	if notAfter.After(issuer.NotAfter) {
		slog.Debug("Capping validity at issuer expiry", "requested", notAfter, "issuer_not_after", issuer.NotAfter)
		notAfter = issuer.NotAfter
	}

	skid, err := subjectKeyID(req.CSR.PublicKey)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(req.Serial),
		Subject:               req.CSR.Subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		SubjectKeyId:          skid,
		AuthorityKeyId:        issuer.SubjectKeyId,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		DNSNames:              req.SANs.DNSNames,
		IPAddresses:           req.SANs.IPAddresses,
		EmailAddresses:        req.SANs.EmailAddresses,
		URIs:                  req.SANs.URIs,
	}
	if req.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.MaxPathLen = req.MaxPathLen
		template.MaxPathLenZero = req.MaxPathLen == 0
	} else {
		template.KeyUsage = req.Extensions.KeyUsage
		template.ExtKeyUsage = req.Extensions.ExtKeyUsage
	}

	der, err := x509.CreateCertificate(e.rand(), template, issuer, req.CSR.PublicKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func (e *X509) SignCRL(issuer *x509.Certificate, issuerKey crypto.Signer, number uint64, revoked []Revocation, validity time.Duration) (*x509.RevocationList, error) {
	now := e.now()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetUint64(r.Serial),
			RevocationTime: r.RevokedAt.UTC(),
			ReasonCode:     r.Reason,
		})
	}
	template := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(validity),
		RevokedCertificateEntries: entries,
		SignatureAlgorithm:        x509.SHA256WithRSA,
	}
	der, err := x509.CreateRevocationList(e.rand(), template, issuer, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign CRL: %w", err)
	}
	return x509.ParseRevocationList(der)
}

// subjectKeyID is the SHA-1 of the SubjectPublicKeyInfo DER (RFC 5280 §4.2.1.2).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

var oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}

// RequestsCA reports whether csr asks for BasicConstraints CA:TRUE.
func RequestsCA(csr *x509.CertificateRequest) bool {
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(oidBasicConstraints) {
			continue
		}
		var bc struct {
			IsCA bool `asn1:"optional"`
		}
		if _, err := asn1.Unmarshal(ext.Value, &bc); err == nil && bc.IsCA {
			return true
		}
	}
	return false
}
