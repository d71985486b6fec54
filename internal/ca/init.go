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
	"crypto/x509/pkix"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

// DefaultRootCN is the subject CN of a bootstrapped root.
const DefaultRootCN = "Root CA"

// Init loads the root authority, bootstrapping a new one if none exists.
func (c *CA) Init(rootCN string) (*Authority, error) {
	if err := c.Storage.EnsureDirs(); err != nil {
		return nil, err
	}

	// Try loading an existing root first.
	root, err := c.Root()
	if err == nil {
		slog.Info("Loaded existing root CA", "cert", root.dir.CertPath())
		return root, nil
	}

	dir := c.Storage.Root()
	if dir.Has(dir.CertPath()) || dir.Has(dir.KeyPath()) {
		return nil, fmt.Errorf("failed to load existing root CA: %w", err)
	}

	slog.Info("No existing root CA found, bootstrapping new root")
	return c.bootstrapRoot(rootCN)
}

func (c *CA) bootstrapRoot(cn string) (*Authority, error) {
	if cn == "" {
		cn = DefaultRootCN
	}
	dir := c.Storage.Root()
	if err := dir.EnsureDirs(); err != nil {
		return nil, err
	}

	slog.Debug("Generating root key, this may take a moment", "bits", c.cfg.CAKeyBits)
	key, err := c.Engine.GenerateKey(c.cfg.CAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}

	led, err := c.ledgerFor(dir)
	if err != nil {
		return nil, err
	}
	// The root certificate takes a serial from its own sequence but is not
	// an issued entry.
	serial, err := led.AllocateSerial()
	if err != nil {
		return nil, err
	}

	cert, err := c.Engine.SelfSign(key, c.subject(cn, ""), serial, c.cfg.RootDays)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}

	keyPEM, err := storage.EncodeKey(key, c.cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	if err := dir.WritePrivate(dir.KeyPath(), keyPEM); err != nil {
		return nil, fmt.Errorf("failed to write root key: %w", err)
	}
	if err := dir.WritePublic(dir.CertPath(), signer.EncodeCert(cert)); err != nil {
		return nil, fmt.Errorf("failed to write root certificate: %w", err)
	}
	if err := writeMetadata(dir, Metadata{
		ID:      RootID,
		UID:     uuid.NewString(),
		Role:    RoleRoot,
		Created: c.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to write root metadata: %w", err)
	}

	root, err := c.Root()
	if err != nil {
		return nil, err
	}
	if _, err := c.regenerateCRL(root, led); err != nil {
		return nil, fmt.Errorf("failed to create initial root CRL: %w", err)
	}

	slog.Info("Root CA bootstrapped", "cn", cn, "serial", serial, "cadir", c.Storage.CADir())
	return root, nil
}

// subject builds the distinguished name for a new certificate.
func (c *CA) subject(cn, unit string) pkix.Name {
	name := pkix.Name{CommonName: cn}
	if c.cfg.Organization != "" {
		name.Organization = []string{c.cfg.Organization}
	}
	if unit != "" {
		name.OrganizationalUnit = []string{unit}
	}
	return name
}
