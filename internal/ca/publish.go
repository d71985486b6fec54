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
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

const (
	BundleFile    = "ca-bundle.pem"
	CRLBundleFile = "crl-bundle.pem"
	crlSuffix     = ".crl.pem"
)

type PublishResult struct {
	Dir           string   `json:"dir"`
	BundlePath    string   `json:"bundle"`
	CRLBundlePath string   `json:"crl_bundle"`
	CRLs          []string `json:"crls"`
	Departments   []string `json:"departments"`
	Skipped       []string `json:"skipped,omitempty"`
	Pruned        []string `json:"pruned,omitempty"`
}

// Publish writes the trust bundle (root first, then active departments in
// directory order) and a copy of every authority's CRL to the publish
// directory. Every write replaces the previous artifact atomically, so
// Publish can be re-run at any time.
func (c *CA) Publish() (*PublishResult, error) {
	fs := c.Storage.Fs()
	out := c.cfg.PublishDir
	res := &PublishResult{Dir: out, BundlePath: filepath.Join(out, BundleFile), CRLBundlePath: filepath.Join(out, CRLBundleFile)}

	root := c.Storage.Root()
	rootPEM, err := root.Read(root.CertPath())
	if err != nil {
		return nil, opErr("publish", RootID, 0, ErrMissingRoot)
	}
	if _, err := signer.ParseCert(rootPEM); err != nil {
		return nil, opErr("publish", RootID, 0, fmt.Errorf("%w: %w", ErrMissingRoot, err))
	}
	if err := fs.MkdirAll(out, storage.DirPerm); err != nil {
		return nil, opErr("publish", "", 0, err)
	}

	b, err := c.bundle(rootPEM)
	if err != nil {
		return nil, opErr("publish", "", 0, err)
	}
	res.Departments, res.Skipped = b.Departments, b.Skipped
	if err := storage.WriteFileAtomic(fs, res.BundlePath, b.PEM, storage.FilePermPublic); err != nil {
		return nil, opErr("publish", "", 0, fmt.Errorf("failed to write bundle: %w", err))
	}

	// CRLs of revoked departments stay published until they are archived.
	var crlBundle []byte
	keep := map[string]bool{}
	depts, err := c.Storage.ListDepartments()
	if err != nil {
		return nil, opErr("publish", "", 0, err)
	}
	for _, id := range append([]string{RootID}, depts...) {
		dir := c.Storage.Authority(id)
		data, err := dir.Read(dir.CRLPath())
		if err != nil {
			slog.Warn("Authority has no CRL to publish", "authority", id, "error", err)
			continue
		}
		path := filepath.Join(out, id+crlSuffix)
		if err := storage.WriteFileAtomic(fs, path, data, storage.FilePermPublic); err != nil {
			return nil, opErr("publish", id, 0, fmt.Errorf("failed to write CRL: %w", err))
		}
		keep[filepath.Base(path)] = true
		res.CRLs = append(res.CRLs, path)
		crlBundle = append(crlBundle, data...)
	}
	if err := storage.WriteFileAtomic(fs, res.CRLBundlePath, crlBundle, storage.FilePermPublic); err != nil {
		return nil, opErr("publish", "", 0, fmt.Errorf("failed to write CRL bundle: %w", err))
	}

	if res.Pruned, err = pruneCRLs(fs, out, keep); err != nil {
		slog.Warn("Could not prune stale CRLs", "dir", out, "error", err)
	}

	slog.Info("Published", "dir", out, "departments", len(res.Departments), "crls", len(res.CRLs), "skipped", len(res.Skipped))
	return res, nil
}

// Bundle is a trust bundle: the root certificate followed by every active
// department certificate.
type Bundle struct {
	PEM         []byte
	Departments []string
	Skipped     []string
}

// Bundle assembles the current trust bundle without writing it.
func (c *CA) Bundle() (*Bundle, error) {
	root := c.Storage.Root()
	rootPEM, err := root.Read(root.CertPath())
	if err != nil {
		return nil, opErr("bundle", RootID, 0, ErrMissingRoot)
	}
	b, err := c.bundle(rootPEM)
	return b, opErr("bundle", "", 0, err)
}

func (c *CA) bundle(rootPEM []byte) (*Bundle, error) {
	depts, err := c.Storage.ListDepartments()
	if err != nil {
		return nil, err
	}
	b := &Bundle{PEM: append([]byte{}, rootPEM...)}
	for _, id := range depts {
		dir := c.Storage.Department(id)
		data, err := dir.Read(dir.CertPath())
		if err != nil {
			slog.Warn("Skipping department without a certificate", "authority", id, "error", err)
			b.Skipped = append(b.Skipped, id)
			continue
		}
		cert, err := signer.ParseCert(data)
		if err != nil {
			slog.Warn("Skipping department with an unreadable certificate", "authority", id, "error", err)
			b.Skipped = append(b.Skipped, id)
			continue
		}
		state, err := c.rootState(cert.SerialNumber.Uint64(), formatSubject(cert.Subject))
		if err != nil {
			return nil, err
		}
		if state != StateActive {
			slog.Debug("Leaving inactive department out of the bundle", "authority", id, "state", state)
			continue
		}
		b.PEM = append(b.PEM, data...)
		b.Departments = append(b.Departments, id)
	}
	return b, nil
}

func pruneCRLs(fs afero.Fs, dir string, keep map[string]bool) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, crlSuffix) || keep[name] {
			continue
		}
		path := filepath.Join(dir, name)
		if err := fs.Remove(path); err != nil {
			return pruned, err
		}
		slog.Debug("Pruned stale CRL", "path", path)
		pruned = append(pruned, path)
	}
	return pruned, nil
}
