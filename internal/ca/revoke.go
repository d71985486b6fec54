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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/tvaughan/deptca/internal/ledger"
)

// Revocation is the outcome of a certificate-level revocation. CRLNumber is
// zero when no new CRL was needed.
type Revocation struct {
	Authority string
	Serial    uint64
	Reason    ledger.Reason
	CRLNumber uint64
}

// RevokeCertificate revokes one certificate of authority, identified by its
// decimal serial or by its artifact path, and regenerates the CRL.
//
// An already revoked certificate yields ErrAlreadyRevoked. In that case the
// CRL is only regenerated if it no longer matches the ledger, so repeated
// requests do not advance the CRL number.
func (c *CA) RevokeCertificate(authority, serialOrPath string, reason ledger.Reason) (*Revocation, error) {
	if !reason.Valid() {
		return nil, opErr("revoke", authority, 0, fmt.Errorf("%w %d", ErrInvalidReason, int(reason)))
	}
	log := slog.With("op", uuid.NewString(), "authority", authority)

	lock := c.departmentLock(authority)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.Authority(authority)
	if err != nil {
		return nil, opErr("revoke", authority, 0, err)
	}
	led, err := c.ledgerFor(a.dir)
	if err != nil {
		return nil, opErr("revoke", authority, 0, err)
	}
	serial, err := c.resolveSerial(a, led, serialOrPath)
	if err != nil {
		return nil, opErr("revoke", authority, 0, err)
	}

	rev := &Revocation{Authority: authority, Serial: serial, Reason: reason}
	err = led.MarkRevoked(serial, reason, c.now())
	switch {
	case errors.Is(err, ErrAlreadyRevoked):
		log.Warn("Certificate already revoked", "serial", serial)
		if c.crlStale(a, led) {
			log.Info("CRL does not match the ledger, regenerating", "serial", serial)
			if rev.CRLNumber, err = c.regenerateCRL(a, led); err != nil {
				return nil, opErr("revoke", authority, serial, err)
			}
		}
		return rev, opErr("revoke", authority, serial, ErrAlreadyRevoked)
	case err != nil:
		return nil, opErr("revoke", authority, serial, err)
	}

	log.Info("Certificate revoked", "serial", serial, "reason", reason)
	if rev.CRLNumber, err = c.regenerateCRL(a, led); err != nil {
		return nil, opErr("revoke", authority, serial, err)
	}
	return rev, nil
}

// resolveSerial accepts a decimal serial or an artifact path. Paths are
// matched against the ledger, first exactly (relative to the authority
// directory), then by file name.
func (c *CA) resolveSerial(a *Authority, led *ledger.Ledger, serialOrPath string) (uint64, error) {
	if serial, err := strconv.ParseUint(serialOrPath, 10, 64); err == nil {
		if _, err := led.Get(serial); err != nil {
			return 0, err
		}
		return serial, nil
	}

	entries, err := led.AllEntries()
	if err != nil {
		return 0, err
	}
	rel := a.dir.Rel(serialOrPath)
	for _, e := range entries {
		if e.Path == rel {
			return e.Serial, nil
		}
	}
	base := filepath.Base(serialOrPath)
	for _, e := range entries {
		if filepath.Base(e.Path) == base {
			return e.Serial, nil
		}
	}
	return 0, notFound("no certificate of %q at %q", a.ID, serialOrPath)
}
