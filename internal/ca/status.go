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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

// CertStatus is the effective status of a certificate. Expired is never
// stored; it is derived from the entry's expiry at query time.
type CertStatus string

const (
	CertValid   CertStatus = "valid"
	CertRevoked CertStatus = "revoked"
	CertExpired CertStatus = "expired"
)

// ParseCertStatus accepts "valid", "revoked", "expired" or "" (any).
func ParseCertStatus(s string) (CertStatus, error) {
	switch cs := CertStatus(strings.ToLower(strings.TrimSpace(s))); cs {
	case "", CertValid, CertRevoked, CertExpired:
		return cs, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidStatus, s)
}

// StatusOf derives the effective status of e at now.
func StatusOf(e *ledger.Entry, now time.Time) CertStatus {
	if e.Revoked() {
		return CertRevoked
	}
	if now.After(e.Expiry) {
		return CertExpired
	}
	return CertValid
}

type Counts struct {
	Valid   int `json:"valid"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

func (c *Counts) add(s CertStatus) {
	switch s {
	case CertValid:
		c.Valid++
	case CertRevoked:
		c.Revoked++
	case CertExpired:
		c.Expired++
	}
}

func (c Counts) Total() int { return c.Valid + c.Revoked + c.Expired }

// Aggregate folds StatusOf over every entry of the authority's ledger.
func (c *CA) Aggregate(id string) (Counts, error) {
	var counts Counts
	entries, err := c.entries(id)
	if err != nil {
		return counts, opErr("status", id, 0, err)
	}
	now := c.now()
	for _, e := range entries {
		counts.add(StatusOf(e, now))
	}
	return counts, nil
}

type AuthorityCounts struct {
	ID     string `json:"id"`
	Counts Counts `json:"counts"`
}

type Totals struct {
	Authorities []AuthorityCounts `json:"authorities"`
	Total       Counts            `json:"total"`
}

// Totals aggregates the root and every department still on disk.
func (c *CA) Totals() (*Totals, error) {
	if _, err := c.queryDir(RootID); err != nil {
		return nil, opErr("status", RootID, 0, err)
	}
	depts, err := c.Storage.ListDepartments()
	if err != nil {
		return nil, opErr("status", "", 0, err)
	}
	t := &Totals{}
	for _, id := range append([]string{RootID}, depts...) {
		counts, err := c.Aggregate(id)
		if err != nil {
			return nil, err
		}
		t.Authorities = append(t.Authorities, AuthorityCounts{ID: id, Counts: counts})
		t.Total.Valid += counts.Valid
		t.Total.Revoked += counts.Revoked
		t.Total.Expired += counts.Expired
	}
	return t, nil
}

func (c *CA) entries(id string) ([]*ledger.Entry, error) {
	dir, err := c.queryDir(id)
	if err != nil {
		return nil, err
	}
	led, err := c.ledgerFor(dir)
	if err != nil {
		return nil, err
	}
	return led.AllEntries()
}

// IsRevoked reports whether the authority has revoked serial. A serial the
// authority never issued is not revoked.
func (c *CA) IsRevoked(authority string, serial uint64) (bool, error) {
	dir, err := c.queryDir(authority)
	if err != nil {
		return false, err
	}
	led, err := c.ledgerFor(dir)
	if err != nil {
		return false, err
	}
	e, err := led.Get(serial)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Revoked(), nil
}

// AuthorityInfo is one row of ListAuthorities.
type AuthorityInfo struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	Integrity Integrity `json:"integrity"`
	Subject   string    `json:"subject,omitempty"`
	NotAfter  time.Time `json:"not_after,omitzero"`
	Serial    uint64    `json:"serial,omitempty"`
	Dir       string    `json:"dir"`
	Archived  time.Time `json:"archived,omitzero"`
}

// ListAuthorities reports the root, every department directory and every
// archived department. A department whose certificate is revoked in the
// root ledger but was not yet archived is reported as revoked.
func (c *CA) ListAuthorities() ([]AuthorityInfo, error) {
	if _, err := c.queryDir(RootID); err != nil {
		return nil, opErr("list", RootID, 0, err)
	}
	out := []AuthorityInfo{c.describe(c.Storage.Root(), RoleRoot)}

	depts, err := c.Storage.ListDepartments()
	if err != nil {
		return nil, opErr("list", "", 0, err)
	}
	for _, id := range depts {
		info := c.describe(c.Storage.Department(id), RoleDepartment)
		if info.Serial != 0 {
			if info.State, err = c.rootState(info.Serial, info.Subject); err != nil {
				return nil, opErr("list", id, 0, err)
			}
		}
		out = append(out, info)
	}

	archived, err := c.Storage.ListArchived()
	if err != nil {
		return nil, opErr("list", "", 0, err)
	}
	for _, name := range archived {
		id, at, ok := splitArchiveName(name)
		if !ok {
			continue
		}
		info := c.describe(c.Storage.ArchivedDir(name), RoleDepartment)
		info.ID = id
		info.State = StateArchived
		info.Archived = at
		out = append(out, info)
	}
	return out, nil
}

// splitArchiveName splits an archive directory name "<id>-<stamp>". The
// time is zero when the stamp does not parse.
func splitArchiveName(name string) (id string, at time.Time, ok bool) {
	i := strings.LastIndex(name, "-")
	if i <= 0 {
		return "", time.Time{}, false
	}
	if t, err := time.Parse(storage.ArchiveStampFormat, name[i+1:]); err == nil {
		at = t
	}
	return name[:i], at, true
}

// archived reports whether a department with this id was ever archived.
func (c *CA) archived(id string) (bool, error) {
	names, err := c.Storage.ListArchived()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if archivedID, _, ok := splitArchiveName(name); ok && archivedID == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *CA) describe(dir *storage.AuthorityDir, role Role) AuthorityInfo {
	info := AuthorityInfo{
		ID:        dir.ID(),
		Role:      role,
		State:     StateActive,
		Integrity: IntegrityOK,
		Dir:       dir.Dir(),
	}
	if !dir.Has(dir.KeyPath()) {
		info.Integrity = IntegrityBroken
	}
	data, err := dir.Read(dir.CertPath())
	if err != nil {
		info.Integrity = IntegrityBroken
	} else if cert, err := signer.ParseCert(data); err != nil {
		info.Integrity = IntegrityBroken
	} else {
		info.Subject = formatSubject(cert.Subject)
		info.NotAfter = cert.NotAfter
		info.Serial = cert.SerialNumber.Uint64()
	}
	if info.Serial == 0 && role == RoleDepartment {
		if md, err := readMetadata(dir); err == nil {
			info.Serial = md.RootSerial
		}
	}
	return info
}

// CertificateInfo is one ledger entry with its derived status.
type CertificateInfo struct {
	ID         string        `json:"id"`
	Authority  string        `json:"authority"`
	Serial     uint64        `json:"serial"`
	Status     CertStatus    `json:"status"`
	Subject    string        `json:"subject"`
	CommonName string        `json:"common_name"`
	Expiry     time.Time     `json:"expiry"`
	RevokedAt  time.Time     `json:"revoked_at,omitzero"`
	Reason     ledger.Reason `json:"-"`
	ReasonName string        `json:"reason,omitempty"`
	Path       string        `json:"path"`
}

func (c *CA) info(authority string, e *ledger.Entry, now time.Time) CertificateInfo {
	ci := CertificateInfo{
		ID:         Ref(authority, e.Serial),
		Authority:  authority,
		Serial:     e.Serial,
		Status:     StatusOf(e, now),
		Subject:    e.Subject,
		CommonName: e.CommonName(),
		Expiry:     e.Expiry,
		RevokedAt:  e.RevokedAt,
		Path:       e.Path,
	}
	if e.Revoked() {
		ci.Reason = e.Reason
		ci.ReasonName = e.Reason.String()
	}
	return ci
}

// ListCertificates returns the authority's entries in serial order. An
// empty filter returns every entry.
func (c *CA) ListCertificates(id string, filter CertStatus) ([]CertificateInfo, error) {
	entries, err := c.entries(id)
	if err != nil {
		return nil, opErr("list", id, 0, err)
	}
	now := c.now()
	out := make([]CertificateInfo, 0, len(entries))
	for _, e := range entries {
		ci := c.info(id, e, now)
		if filter != "" && ci.Status != filter {
			continue
		}
		out = append(out, ci)
	}
	return out, nil
}

// CertificateDetail is a ledger entry plus what can be read from the
// certificate artifact. ArtifactMissing is set when the file is gone.
type CertificateDetail struct {
	CertificateInfo
	Issuer          string    `json:"issuer,omitempty"`
	NotBefore       time.Time `json:"not_before,omitzero"`
	NotAfter        time.Time `json:"not_after,omitzero"`
	SANs            []string  `json:"sans,omitempty"`
	ExtKeyUsage     []string  `json:"ext_key_usage,omitempty"`
	IsCA            bool      `json:"is_ca,omitempty"`
	Fingerprint     string    `json:"sha256_fingerprint,omitempty"`
	ArtifactMissing bool      `json:"artifact_missing,omitempty"`
	PEM             string    `json:"pem,omitempty"`
}

// ShowCertificate looks up "<authority>-<serial>".
func (c *CA) ShowCertificate(ref string) (*CertificateDetail, error) {
	authority, serial, err := ParseRef(ref)
	if err != nil {
		return nil, opErr("show", "", 0, err)
	}
	dir, err := c.queryDir(authority)
	if err != nil {
		return nil, opErr("show", authority, serial, err)
	}
	led, err := c.ledgerFor(dir)
	if err != nil {
		return nil, opErr("show", authority, serial, err)
	}
	e, err := led.Get(serial)
	if err != nil {
		return nil, opErr("show", authority, serial, err)
	}

	d := &CertificateDetail{CertificateInfo: c.info(authority, e, c.now())}
	data, err := dir.Read(e.Path)
	if err != nil {
		d.ArtifactMissing = true
		return d, nil
	}
	cert, err := signer.ParseCert(data)
	if err != nil {
		d.ArtifactMissing = true
		return d, nil
	}
	fillDetail(d, cert)
	d.PEM = string(data)
	return d, nil
}

func fillDetail(d *CertificateDetail, cert *x509.Certificate) {
	sum := sha256.Sum256(cert.Raw)
	d.Issuer = formatSubject(cert.Issuer)
	d.NotBefore = cert.NotBefore
	d.NotAfter = cert.NotAfter
	d.SANs = profile.FromCert(cert).Strings()
	d.ExtKeyUsage = profile.EKUNames(cert.ExtKeyUsage)
	d.IsCA = cert.IsCA
	d.Fingerprint = strings.ToUpper(hex.EncodeToString(sum[:]))
}
