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

package storage

import (
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	certFile     = "ca.crt"
	keyFile      = "ca.key"
	crlFile      = "crl.pem"
	chainFile    = "chain.pem"
	metadataFile = "authority.yaml"

	issuedDir  = "issued"
	privateDir = "private"
	reqsDir    = "reqs"
)

// AuthorityDir is the directory of one authority. Everything an authority
// owns (key, certificate, CRL, ledger, issued leaves) lives beneath it so
// archival is a single move.
type AuthorityDir struct {
	fs  afero.Fs
	id  string
	dir string
}

// LeafPaths are the artifacts of one issuance, relative to the authority.
type LeafPaths struct {
	Cert      string
	FullChain string
	Key       string
	CSR       string
}

func (a *AuthorityDir) ID() string  { return a.id }
func (a *AuthorityDir) Dir() string { return a.dir }

func (a *AuthorityDir) CertPath() string     { return filepath.Join(a.dir, certFile) }
func (a *AuthorityDir) KeyPath() string      { return filepath.Join(a.dir, privateDir, keyFile) }
func (a *AuthorityDir) CRLPath() string      { return filepath.Join(a.dir, crlFile) }
func (a *AuthorityDir) ChainPath() string    { return filepath.Join(a.dir, chainFile) }
func (a *AuthorityDir) MetadataPath() string { return filepath.Join(a.dir, metadataFile) }

// LedgerPath is the ledger database file for the given backend name.
func (a *AuthorityDir) LedgerPath(backend string) string {
	if backend == "sqlite" {
		return filepath.Join(a.dir, "ledger.sqlite")
	}
	return filepath.Join(a.dir, "ledger.db")
}

func (a *AuthorityDir) EnsureDirs() error {
	for _, d := range []string{a.dir, a.Abs(issuedDir), a.Abs(privateDir), a.Abs(reqsDir)} {
		if err := a.fs.MkdirAll(d, DirPerm); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuthorityDir) Exists() bool {
	ok, err := afero.DirExists(a.fs, a.dir)
	return err == nil && ok
}

// Has reports whether path exists.
func (a *AuthorityDir) Has(path string) bool {
	ok, err := afero.Exists(a.fs, path)
	return err == nil && ok
}

// Leaf returns the artifact paths for an issuance with the given base name.
func (a *AuthorityDir) Leaf(base string) LeafPaths {
	return LeafPaths{
		Cert:      filepath.Join(issuedDir, base+".crt"),
		FullChain: filepath.Join(issuedDir, base+".fullchain.pem"),
		Key:       filepath.Join(privateDir, base+".key"),
		CSR:       filepath.Join(reqsDir, base+".csr"),
	}
}

// Abs resolves a path relative to the authority directory.
func (a *AuthorityDir) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(a.dir, rel)
}

// Rel turns path into one relative to the authority directory, which is
// what the ledger records. Paths outside the directory are returned cleaned.
func (a *AuthorityDir) Rel(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(a.dir, path)
	if err != nil {
		return filepath.Clean(path)
	}
	return rel
}

func (a *AuthorityDir) Read(path string) ([]byte, error) {
	return afero.ReadFile(a.fs, a.Abs(path))
}

// WritePublic writes a world-readable artifact.
func (a *AuthorityDir) WritePublic(path string, data []byte) error {
	return WriteFileAtomic(a.fs, a.Abs(path), data, FilePermPublic)
}

// WritePrivate writes key material.
func (a *AuthorityDir) WritePrivate(path string, data []byte) error {
	return WriteFileAtomic(a.fs, a.Abs(path), data, FilePermPrivate)
}
