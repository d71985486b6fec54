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
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

// Issued describes a certificate that has been recorded in its authority's
// ledger. Paths are absolute; KeyPath is empty for CSR-based issuance.
type Issued struct {
	Authority     string
	Serial        uint64
	Entry         *ledger.Entry
	Cert          *x509.Certificate
	CertPath      string
	FullChainPath string
	KeyPath       string
	CSRPath       string
}

// Ref is the composite "<authority>-<serial>" identifier.
func (i *Issued) Ref() string {
	return Ref(i.Authority, i.Serial)
}

// Ref builds the composite identifier of a certificate.
func Ref(authority string, serial uint64) string {
	return authority + "-" + strconv.FormatUint(serial, 10)
}

// ParseRef splits "<authority>-<serial>" on the last '-'.
func ParseRef(ref string) (string, uint64, error) {
	i := strings.LastIndex(ref, "-")
	if i <= 0 || i == len(ref)-1 {
		return "", 0, fmt.Errorf("%w: %q is not <authority>-<serial>", ErrInvalidID, ref)
	}
	serial, err := strconv.ParseUint(ref[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q has a non-numeric serial", ErrInvalidID, ref)
	}
	return ref[:i], serial, nil
}

// IssueNew generates a key and issues a certificate for commonName. With
// no SANs, the server and vpn-server profiles get DNS:<commonName>.
func (c *CA) IssueNew(authority, profileName, commonName string, sans []string) (*Issued, error) {
	ext, err := profile.Resolve(profileName)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}
	if strings.TrimSpace(commonName) == "" {
		return nil, opErr("issue", authority, 0, ErrInvalidCommonName)
	}
	if len(sans) == 0 && profile.DefaultsToCNSAN(ext.Name) {
		sans = []string{"DNS:" + commonName}
	}
	sanSet, err := profile.MergeSANs(profile.SANSet{}, sans)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}

	a, err := c.activeAuthority(authority)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}

	key, err := c.Engine.GenerateKey(c.cfg.KeyBits)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}
	csr, err := c.Engine.CreateCSR(key, c.subject(commonName, a.unit()), sanSet)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}
	return c.issue(authority, ext, csr, sanSet, key)
}

// IssueFromCSR signs a caller-supplied PEM CSR. Without sans the SANs
// embedded in the CSR are kept verbatim.
func (c *CA) IssueFromCSR(authority, profileName string, csrPEM []byte, sans []string) (*Issued, error) {
	ext, err := profile.Resolve(profileName)
	if err != nil {
		return nil, opErr("sign", authority, 0, err)
	}
	csr, err := signer.ParseCSR(csrPEM)
	if err != nil {
		return nil, opErr("sign", authority, 0, fmt.Errorf("%w: %w", ErrInvalidCSR, err))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, opErr("sign", authority, 0, fmt.Errorf("%w: signature does not verify: %w", ErrInvalidCSR, err))
	}
	if signer.RequestsCA(csr) {
		return nil, opErr("sign", authority, 0, fmt.Errorf("%w: request asks for CA:TRUE", ErrInvalidCSR))
	}
	if strings.TrimSpace(csr.Subject.CommonName) == "" {
		return nil, opErr("sign", authority, 0, ErrInvalidCommonName)
	}
	sanSet, err := profile.MergeSANs(profile.FromCSR(csr), sans)
	if err != nil {
		return nil, opErr("sign", authority, 0, err)
	}

	return c.issue(authority, ext, csr, sanSet, nil)
}

func (a *Authority) unit() string {
	if a.Role == RoleDepartment {
		return a.ID
	}
	return ""
}

// issue runs the signing step inside the ledger transaction, holding the
// authority's lock so a department cascade cannot interleave with it.
// Artifact names are chosen under the ledger lock, so a name collision
// between two concurrent requests is resolved by suffixing the serial.
func (c *CA) issue(authority string, ext profile.ExtensionSet, csr *x509.CertificateRequest, sans profile.SANSet, key *rsa.PrivateKey) (*Issued, error) {
	lock := c.departmentLock(authority)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.activeAuthority(authority)
	if err != nil {
		return nil, opErr("issue", authority, 0, err)
	}
	log := slog.With("op", uuid.NewString(), "authority", a.ID)
	log.Debug("Issuing certificate", "cn", csr.Subject.CommonName, "profile", ext.Name, "sans", sans.Strings())

	var keyPEM []byte
	if key != nil {
		if keyPEM, err = storage.EncodeKey(key, nil); err != nil {
			return nil, opErr("issue", a.ID, 0, err)
		}
	}

	led, err := c.ledgerFor(a.dir)
	if err != nil {
		return nil, opErr("issue", a.ID, 0, err)
	}

	var (
		paths storage.LeafPaths
		cert  *x509.Certificate
	)
	entry, err := led.Issue(func(serial uint64) (*ledger.Entry, error) {
		base := baseName(csr.Subject.CommonName, c.now())
		paths = a.dir.Leaf(base)
		if a.dir.Has(a.dir.Abs(paths.Cert)) {
			paths = a.dir.Leaf(base + "-" + strconv.FormatUint(serial, 10))
		}

		var err error
		cert, err = c.Engine.Sign(a.Cert, a.Key, signer.Request{
			CSR:          csr,
			Serial:       serial,
			Extensions:   ext,
			SANs:         sans,
			ValidityDays: c.cfg.LeafDays,
		})
		if err != nil {
			return nil, err
		}
		// Re-checked under the ledger lock: a cascade in another process
		// may have revoked the department since activeAuthority.
		if a.Role == RoleDepartment {
			state, err := c.departmentState(a)
			if err != nil {
				return nil, err
			}
			if state != StateActive {
				return nil, fmt.Errorf("%w: department %q is %s", ErrInactiveAuthority, a.ID, state)
			}
		}
		if keyPEM != nil {
			if err := a.dir.WritePrivate(paths.Key, keyPEM); err != nil {
				return nil, fmt.Errorf("failed to write key: %w", err)
			}
		}
		if err := a.dir.WritePublic(paths.CSR, signer.EncodeCSR(csr)); err != nil {
			return nil, fmt.Errorf("failed to write request: %w", err)
		}
		if err := a.dir.WritePublic(paths.Cert, signer.EncodeCert(cert)); err != nil {
			return nil, fmt.Errorf("failed to write certificate: %w", err)
		}
		return &ledger.Entry{
			Expiry:   cert.NotAfter.UTC(),
			Path:     paths.Cert,
			Subject:  formatSubject(cert.Subject),
			IssuedAt: c.now(),
		}, nil
	})
	if err != nil {
		log.Warn("Issuance failed", "error", err)
		return nil, opErr("issue", a.ID, 0, err)
	}

	fullchain := append(signer.EncodeCert(cert), a.ChainPEM()...)
	if err := a.dir.WritePublic(paths.FullChain, fullchain); err != nil {
		// The certificate is issued; only the convenience bundle is missing.
		log.Warn("Could not write full chain", "serial", entry.Serial, "error", err)
	}

	issued := &Issued{
		Authority:     a.ID,
		Serial:        entry.Serial,
		Entry:         entry,
		Cert:          cert,
		CertPath:      a.dir.Abs(paths.Cert),
		FullChainPath: a.dir.Abs(paths.FullChain),
		CSRPath:       a.dir.Abs(paths.CSR),
	}
	if keyPEM != nil {
		issued.KeyPath = a.dir.Abs(paths.Key)
	}
	log.Info("Certificate issued", "ref", issued.Ref(), "subject", entry.Subject, "expiry", entry.Expiry)
	return issued, nil
}
