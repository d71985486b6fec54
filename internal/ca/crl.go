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
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/signer"
)

// RegenerateCRL signs a fresh CRL for id from its ledger's revoked set and
// returns the new CRL number.
func (c *CA) RegenerateCRL(id string) (uint64, error) {
	a, err := c.Authority(id)
	if err != nil {
		return 0, opErr("crl", id, 0, err)
	}
	led, err := c.ledgerFor(a.dir)
	if err != nil {
		return 0, opErr("crl", id, 0, err)
	}
	n, err := c.regenerateCRL(a, led)
	return n, opErr("crl", id, 0, err)
}

// regenerateCRL allocates the next CRL number and writes the CRL while the
// ledger lock is held, so the CRL on disk always matches a committed number.
func (c *CA) regenerateCRL(a *Authority, led *ledger.Ledger) (uint64, error) {
	n, err := led.WithCRLNumber(func(number uint64, revoked []*ledger.Entry) error {
		entries := make([]signer.Revocation, 0, len(revoked))
		for _, e := range revoked {
			entries = append(entries, signer.Revocation{
				Serial:    e.Serial,
				RevokedAt: e.RevokedAt,
				Reason:    int(e.Reason),
			})
		}
		crl, err := c.Engine.SignCRL(a.Cert, a.Key, number, entries, c.cfg.CRLValidity)
		if err != nil {
			return err
		}
		if err := a.dir.WritePublic(a.dir.CRLPath(), signer.EncodeCRL(crl)); err != nil {
			return fmt.Errorf("failed to write CRL: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("CRL regenerated", "authority", a.ID, "crl_number", n)
	return n, nil
}

// CurrentCRL returns the PEM and parsed form of an authority's current CRL.
func (c *CA) CurrentCRL(id string) ([]byte, *x509.RevocationList, error) {
	dir, err := c.queryDir(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := dir.Read(dir.CRLPath())
	if err != nil {
		return nil, nil, notFound("CRL of %q", id)
	}
	crl, err := signer.ParseCRL(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CRL of %q: %w", id, err)
	}
	return data, crl, nil
}

func (c *CA) crlStale(a *Authority, led *ledger.Ledger) bool {
	_, crl, err := c.CurrentCRL(a.ID)
	if err != nil {
		return true
	}
	if crl.CheckSignatureFrom(a.Cert) != nil || c.now().After(crl.NextUpdate) {
		return true
	}
	entries, err := led.AllEntries()
	if err != nil {
		return true
	}
	want := make(map[uint64]bool)
	for _, e := range entries {
		if e.Revoked() {
			want[e.Serial] = true
		}
	}
	if len(crl.RevokedCertificateEntries) != len(want) {
		return true
	}
	for _, rc := range crl.RevokedCertificateEntries {
		if !rc.SerialNumber.IsUint64() || !want[rc.SerialNumber.Uint64()] {
			return true
		}
	}
	return false
}
