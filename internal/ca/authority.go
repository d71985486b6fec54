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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
	"go.yaml.in/yaml/v3"
)

const RootID = storage.RootID

type Role string

const (
	RoleRoot       Role = "root"
	RoleDepartment Role = "department"
)

type State string

const (
	StateActive   State = "active"
	StateRevoked  State = "revoked"
	StateArchived State = "archived"

	// StateIncomplete marks a department directory whose certificate is not
	// in the root ledger: a create that failed before the ledger committed.
	StateIncomplete State = "incomplete"
)

type Integrity string

const (
	IntegrityOK     Integrity = "ok"
	IntegrityBroken Integrity = "broken"
)

// Metadata is persisted as authority.yaml next to each authority's ledger.
type Metadata struct {
	ID         string    `yaml:"id"`
	UID        string    `yaml:"uid"`
	Role       Role      `yaml:"role"`
	Parent     string    `yaml:"parent,omitempty"`
	RootSerial uint64    `yaml:"root_serial,omitempty"`
	Created    time.Time `yaml:"created"`
}

// Authority is a loaded signing authority.
type Authority struct {
	ID     string
	Role   Role
	Parent string
	Cert   *x509.Certificate
	Key    *rsa.PrivateKey
	// Chain is the authority's own certificate followed by its issuers.
	Chain []*x509.Certificate

	dir *storage.AuthorityDir
}

func (a *Authority) Dir() *storage.AuthorityDir { return a.dir }

// ChainPEM is the authority's chain in PEM form, leaf-most first.
func (a *Authority) ChainPEM() []byte {
	var out []byte
	for _, cert := range a.Chain {
		out = append(out, signer.EncodeCert(cert)...)
	}
	return out
}

// Root loads the root authority.
func (c *CA) Root() (*Authority, error) {
	return c.Authority(RootID)
}

// Authority loads "root" or an active or partially revoked department.
// Archived departments are not found.
func (c *CA) Authority(id string) (*Authority, error) {
	c.mu.Lock()
	if a, ok := c.authorities[id]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	a, err := c.loadAuthority(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.authorities[id]; ok {
		return cached, nil
	}
	c.authorities[id] = a
	return a, nil
}

func (c *CA) loadAuthority(id string) (*Authority, error) {
	if id != RootID {
		if err := validateDepartmentID(id); err != nil {
			return nil, err
		}
	}
	dir := c.Storage.Authority(id)
	if !dir.Exists() {
		if id == RootID {
			return nil, ErrMissingRoot
		}
		return nil, notFound("department %q", id)
	}

	certPEM, err := dir.Read(dir.CertPath())
	if err != nil {
		if id == RootID && errors.Is(err, os.ErrNotExist) {
			return nil, ErrMissingRoot
		}
		return nil, fmt.Errorf("failed to read %s certificate: %w", id, err)
	}
	cert, err := signer.ParseCert(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s certificate: %w", id, err)
	}

	keyPEM, err := dir.Read(dir.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s key: %w", id, err)
	}
	key, err := storage.DecodeKey(keyPEM, c.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s key: %w", id, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !key.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%s: private key does not match the certificate's public key", id)
	}

	a := &Authority{ID: id, Role: RoleRoot, Cert: cert, Key: key, Chain: []*x509.Certificate{cert}, dir: dir}
	if id != RootID {
		a.Role = RoleDepartment
		a.Parent = RootID
	}
	if chainPEM, err := dir.Read(dir.ChainPath()); err == nil {
		if chain, err := signer.ParseCerts(chainPEM); err == nil && chain[0].Equal(cert) {
			a.Chain = chain
			return a, nil
		}
	}
	if id == RootID {
		return a, nil
	}
	root, err := c.Root()
	if err != nil {
		return nil, err
	}
	a.Chain = []*x509.Certificate{cert, root.Cert}
	return a, nil
}

func writeMetadata(dir *storage.AuthorityDir, md Metadata) error {
	data, err := yaml.Marshal(md)
	if err != nil {
		return err
	}
	return dir.WritePublic(dir.MetadataPath(), data)
}

// readMetadata reads authority.yaml from an authority (or archive) directory.
func readMetadata(dir *storage.AuthorityDir) (*Metadata, error) {
	data, err := dir.Read(dir.MetadataPath())
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", dir.MetadataPath(), err)
	}
	return &md, nil
}

// departmentState reports whether a department is still active, already
// revoked in the root ledger (a cascade that stopped before archival) or
// incomplete.
func (c *CA) departmentState(a *Authority) (State, error) {
	return c.rootState(a.Cert.SerialNumber.Uint64(), formatSubject(a.Cert.Subject))
}

// rootState looks up a department certificate in the root ledger. An empty
// subject matches any entry with that serial.
func (c *CA) rootState(serial uint64, subject string) (State, error) {
	dir, err := c.queryDir(RootID)
	if err != nil {
		return "", err
	}
	led, err := c.ledgerFor(dir)
	if err != nil {
		return "", err
	}
	e, err := led.Get(serial)
	switch {
	case errors.Is(err, ErrNotFound):
		return StateIncomplete, nil
	case err != nil:
		return "", err
	case subject != "" && e.Subject != subject:
		return StateIncomplete, nil
	case e.Revoked():
		return StateRevoked, nil
	}
	return StateActive, nil
}

// queryDir resolves an existing authority directory for read-only access.
// Unlike Authority it does not load the private key.
func (c *CA) queryDir(id string) (*storage.AuthorityDir, error) {
	if id != RootID {
		if err := validateDepartmentID(id); err != nil {
			return nil, err
		}
	}
	dir := c.Storage.Authority(id)
	if !dir.Exists() {
		if id == RootID {
			return nil, ErrMissingRoot
		}
		return nil, notFound("department %q", id)
	}
	return dir, nil
}

func (c *CA) activeAuthority(id string) (*Authority, error) {
	a, err := c.Authority(id)
	if err != nil {
		return nil, err
	}
	if a.Role == RoleRoot {
		return a, nil
	}
	state, err := c.departmentState(a)
	if err != nil {
		return nil, err
	}
	if state != StateActive {
		return nil, fmt.Errorf("%w: department %q is %s", ErrInactiveAuthority, id, state)
	}
	return a, nil
}
