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
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

// CreateDepartment creates a department authority signed by the root. The
// department certificate is recorded in the root ledger. An id that was
// archived is never reused, so "<id>-<serial>" keeps naming one certificate.
//
// The certificate, chain and metadata are written before the root ledger
// commits. Leftovers of a failed attempt are replaced by the next one.
func (c *CA) CreateDepartment(id string) (*Authority, error) {
	if err := validateDepartmentID(id); err != nil {
		return nil, opErr("create", id, 0, err)
	}
	root, err := c.Root()
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}

	lock := c.departmentLock(id)
	lock.Lock()
	defer lock.Unlock()

	log := slog.With("op", uuid.NewString(), "authority", id)
	archived, err := c.archived(id)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	if archived {
		return nil, opErr("create", id, 0, fmt.Errorf("%w: %q was revoked and archived", ErrAuthorityExists, id))
	}
	rootLedger, err := c.ledgerFor(root.dir)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	dir := c.Storage.Department(id)
	if dir.Has(dir.CertPath()) {
		installed, err := c.installed(dir)
		if err != nil {
			return nil, opErr("create", id, 0, err)
		}
		if installed {
			return nil, opErr("create", id, 0, ErrAuthorityExists)
		}
		log.Warn("Replacing artifacts of an earlier failed create", "dir", dir.Dir())
	}

	key, err := c.Engine.GenerateKey(c.cfg.CAKeyBits)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	csr, err := c.Engine.CreateCSR(key, c.subject(id+" CA", id), profile.SANSet{})
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	keyPEM, err := storage.EncodeKey(key, c.cfg.Passphrase)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}

	if err := dir.EnsureDirs(); err != nil {
		return nil, opErr("create", id, 0, err)
	}
	if err := dir.WritePrivate(dir.KeyPath(), keyPEM); err != nil {
		return nil, opErr("create", id, 0, fmt.Errorf("failed to write key: %w", err))
	}

	var cert *x509.Certificate
	entry, err := rootLedger.Issue(func(serial uint64) (*ledger.Entry, error) {
		var err error
		cert, err = c.Engine.Sign(root.Cert, root.Key, signer.Request{
			CSR:          csr,
			Serial:       serial,
			ValidityDays: c.cfg.DepartmentDays,
			IsCA:         true,
			MaxPathLen:   0,
		})
		if err != nil {
			return nil, err
		}
		paths := root.dir.Leaf(baseName(id, c.now()))
		if err := root.dir.WritePublic(paths.CSR, signer.EncodeCSR(csr)); err != nil {
			return nil, err
		}
		if err := root.dir.WritePublic(paths.Cert, signer.EncodeCert(cert)); err != nil {
			return nil, err
		}

		chain := append(signer.EncodeCert(cert), root.ChainPEM()...)
		steps := []struct {
			what string
			fn   func() error
		}{
			{"certificate", func() error { return dir.WritePublic(dir.CertPath(), signer.EncodeCert(cert)) }},
			{"chain", func() error { return dir.WritePublic(dir.ChainPath(), chain) }},
			{"metadata", func() error {
				return writeMetadata(dir, Metadata{
					ID:         id,
					UID:        uuid.NewString(),
					Role:       RoleDepartment,
					Parent:     RootID,
					RootSerial: serial,
					Created:    c.now(),
				})
			}},
		}
		for _, s := range steps {
			if err := s.fn(); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", s.what, err)
			}
		}
		return &ledger.Entry{
			Expiry:   cert.NotAfter.UTC(),
			Path:     paths.Cert,
			Subject:  formatSubject(cert.Subject),
			IssuedAt: c.now(),
		}, nil
	})
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	log.Info("Department certificate issued", "root_serial", entry.Serial)

	// Drop anything cached from the artifacts of an earlier failed attempt.
	c.mu.Lock()
	delete(c.authorities, id)
	c.mu.Unlock()
	a, err := c.Authority(id)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	led, err := c.ledgerFor(dir)
	if err != nil {
		return nil, opErr("create", id, 0, err)
	}
	if _, err := c.regenerateCRL(a, led); err != nil {
		return nil, opErr("create", id, 0, fmt.Errorf("failed to create initial CRL: %w", err))
	}

	log.Info("Department created", "dir", dir.Dir(), "not_after", cert.NotAfter)
	return a, nil
}

// installed reports whether the certificate in dir is recorded in the root
// ledger under its own subject. An unreadable certificate counts as
// installed so it is never overwritten.
func (c *CA) installed(dir *storage.AuthorityDir) (bool, error) {
	data, err := dir.Read(dir.CertPath())
	if err != nil {
		return true, nil
	}
	cert, err := signer.ParseCert(data)
	if err != nil {
		return true, nil
	}
	state, err := c.rootState(cert.SerialNumber.Uint64(), formatSubject(cert.Subject))
	if err != nil {
		return false, err
	}
	return state != StateIncomplete, nil
}

// DepartmentRevocation is the outcome of a cascade.
type DepartmentRevocation struct {
	Department     string
	ArchivePath    string
	Revoked        []uint64
	AlreadyRevoked int
	CRLNumber      uint64
	RootSerial     uint64
	RootCRLNumber  uint64
}

// RevokeDepartment revokes every valid certificate of a department, then
// the department itself in the root ledger, and archives its directory.
//
// Each step is idempotent, so a cascade that failed partway can be re-run
// and completes the remaining steps. A zero reason defaults to
// cessationOfOperation; the leaves are always revoked with that reason.
func (c *CA) RevokeDepartment(id string, reason ledger.Reason) (*DepartmentRevocation, error) {
	if err := validateDepartmentID(id); err != nil {
		return nil, opErr("revoke-department", id, 0, err)
	}
	if reason == ledger.ReasonUnspecified {
		reason = ledger.ReasonCessationOfOperation
	}
	if !reason.Valid() {
		return nil, opErr("revoke-department", id, 0, fmt.Errorf("%w %d", ErrInvalidReason, int(reason)))
	}

	lock := c.departmentLock(id)
	lock.Lock()
	defer lock.Unlock()

	root, err := c.Root()
	if err != nil {
		return nil, opErr("revoke-department", id, 0, err)
	}
	dept, err := c.Authority(id)
	if err != nil {
		return nil, opErr("revoke-department", id, 0, err)
	}
	log := slog.With("op", uuid.NewString(), "authority", id)
	result := &DepartmentRevocation{Department: id, RootSerial: dept.Cert.SerialNumber.Uint64()}

	// (a) revoke every still-valid leaf.
	led, err := c.ledgerFor(dept.dir)
	if err != nil {
		return nil, opErr("revoke-department", id, 0, err)
	}
	now := c.now()
	seen := map[uint64]bool{}
	sweep := func() (int, error) {
		entries, err := led.AllEntries()
		if err != nil {
			return 0, err
		}
		revoked := 0
		for _, e := range entries {
			if seen[e.Serial] {
				continue
			}
			seen[e.Serial] = true
			if e.Revoked() {
				result.AlreadyRevoked++
				continue
			}
			err := led.MarkRevoked(e.Serial, ledger.ReasonCessationOfOperation, now)
			switch {
			case errors.Is(err, ErrAlreadyRevoked):
				result.AlreadyRevoked++
			case err != nil:
				delete(seen, e.Serial)
				log.Error("Cascade stopped", "serial", e.Serial, "revoked", len(result.Revoked), "error", err)
				return revoked, opErr("revoke-department", id, e.Serial, err)
			default:
				log.Debug("Cascaded revocation", "serial", e.Serial)
				result.Revoked = append(result.Revoked, e.Serial)
				revoked++
			}
		}
		return revoked, nil
	}
	if _, err := sweep(); err != nil {
		return result, opErr("revoke-department", id, 0, err)
	}

	// (b) one CRL for the whole batch.
	if len(result.Revoked) > 0 || c.crlStale(dept, led) {
		if result.CRLNumber, err = c.regenerateCRL(dept, led); err != nil {
			return result, opErr("revoke-department", id, 0, err)
		}
	}

	// (c) the department's own certificate in the root ledger.
	rootLedger, err := c.ledgerFor(root.dir)
	if err != nil {
		return result, opErr("revoke-department", id, 0, err)
	}
	rootChanged := true
	err = rootLedger.MarkRevoked(result.RootSerial, reason, now)
	switch {
	case errors.Is(err, ErrAlreadyRevoked):
		log.Warn("Department certificate already revoked in root ledger", "root_serial", result.RootSerial)
		rootChanged = false
	case err != nil:
		return result, opErr("revoke-department", RootID, result.RootSerial, err)
	}

	// (d) root CRL.
	if rootChanged || c.crlStale(root, rootLedger) {
		if result.RootCRLNumber, err = c.regenerateCRL(root, rootLedger); err != nil {
			return result, opErr("revoke-department", RootID, 0, err)
		}
	}

	// Another process may have committed a leaf between (a) and (c). Issuance
	// re-checks the root ledger inside its transaction, so nothing commits
	// after (c) and one more sweep catches the rest.
	late, err := sweep()
	if err != nil {
		return result, opErr("revoke-department", id, 0, err)
	}
	if late > 0 {
		log.Warn("Revoked certificates issued during the cascade", "count", late)
		if result.CRLNumber, err = c.regenerateCRL(dept, led); err != nil {
			return result, opErr("revoke-department", id, 0, err)
		}
	}

	// (e) archive; the department's ledger must be closed before it moves.
	if err := c.forget(id); err != nil {
		log.Warn("Could not close department ledger before archival", "error", err)
	}
	if result.ArchivePath, err = c.Storage.Archive(id, now); err != nil {
		return result, opErr("revoke-department", id, 0, err)
	}

	log.Info("Department revoked and archived", "revoked", len(result.Revoked),
		"already_revoked", result.AlreadyRevoked, "archive", result.ArchivePath)
	return result, nil
}
