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

	"github.com/google/uuid"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

// ImportRoot installs an existing CA certificate and key as the root
// authority. certBundle may carry the issuers of the certificate after it;
// they become the root's chain. keyPassphrase decrypts keyPEM and may be
// nil; the key is stored re-encrypted under the configured passphrase.
//
// If crlPEM is given its number is honoured so CRL numbers keep increasing
// for relying parties. A fresh CRL is always signed from the root ledger,
// which picks up an index.txt left in the root directory by an earlier
// installation.
//
// This is an offline operation.
func (c *CA) ImportRoot(certBundle, keyPEM, keyPassphrase, crlPEM []byte) (*Authority, error) {
	certs, err := signer.ParseCerts(certBundle)
	if err != nil {
		return nil, opErr("import", RootID, 0, fmt.Errorf("failed to parse certificate bundle: %w", err))
	}
	cert := certs[0]
	if !cert.IsCA {
		return nil, opErr("import", RootID, 0, fmt.Errorf("certificate %q is not a CA certificate", cert.Subject.CommonName))
	}

	key, err := storage.DecodeKey(keyPEM, keyPassphrase)
	if err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !key.PublicKey.Equal(pub) {
		return nil, opErr("import", RootID, 0, fmt.Errorf("private key does not match the certificate's public key"))
	}

	var imported *x509.RevocationList
	if crlPEM != nil {
		if imported, err = signer.ParseCRL(crlPEM); err != nil {
			return nil, opErr("import", RootID, 0, fmt.Errorf("failed to parse CRL: %w", err))
		}
		if err := imported.CheckSignatureFrom(cert); err != nil {
			return nil, opErr("import", RootID, 0, fmt.Errorf("CRL was not issued by the imported certificate: %w", err))
		}
	}

	if err := c.Storage.EnsureDirs(); err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	dir := c.Storage.Root()
	if dir.Has(dir.CertPath()) || dir.Has(dir.KeyPath()) {
		return nil, opErr("import", RootID, 0, ErrAuthorityExists)
	}
	if err := dir.EnsureDirs(); err != nil {
		return nil, opErr("import", RootID, 0, err)
	}

	stored, err := storage.EncodeKey(key, c.cfg.Passphrase)
	if err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	if err := dir.WritePrivate(dir.KeyPath(), stored); err != nil {
		return nil, opErr("import", RootID, 0, fmt.Errorf("failed to write key: %w", err))
	}
	if err := dir.WritePublic(dir.CertPath(), signer.EncodeCert(cert)); err != nil {
		return nil, opErr("import", RootID, 0, fmt.Errorf("failed to write certificate: %w", err))
	}
	if len(certs) > 1 {
		if err := dir.WritePublic(dir.ChainPath(), certBundle); err != nil {
			return nil, opErr("import", RootID, 0, fmt.Errorf("failed to write chain: %w", err))
		}
	}
	if err := writeMetadata(dir, Metadata{ID: RootID, UID: uuid.NewString(), Role: RoleRoot, Created: c.now()}); err != nil {
		return nil, opErr("import", RootID, 0, err)
	}

	led, err := c.ledgerFor(dir)
	if err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	// Keep the root's own serial out of the sequence it signs with.
	var nextSerial, nextCRL uint64
	if cert.SerialNumber.IsUint64() && cert.CheckSignatureFrom(cert) == nil {
		nextSerial = cert.SerialNumber.Uint64() + 1
	}
	if imported != nil && imported.Number != nil && imported.Number.IsUint64() {
		nextCRL = imported.Number.Uint64() + 1
	}
	if err := led.Advance(nextSerial, nextCRL); err != nil {
		return nil, opErr("import", RootID, 0, err)
	}

	root, err := c.Root()
	if err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	n, err := c.regenerateCRL(root, led)
	if err != nil {
		return nil, opErr("import", RootID, 0, err)
	}
	slog.Info("Imported root CA", "subject", formatSubject(cert.Subject), "not_after", cert.NotAfter, "crl_number", n)
	return root, nil
}
