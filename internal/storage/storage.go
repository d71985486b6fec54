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

// Package storage owns the on-disk layout of the CA directory:
//
//	<cadir>/root/                 root authority
//	<cadir>/departments/<id>/     one directory per active department
//	<cadir>/archive/<id>-<stamp>/ revoked departments, moved whole
//	<cadir>/publish/              trust bundle and CRLs for the web tier
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

const (
	FilePermPrivate = 0640
	FilePermPublic  = 0644
	DirPerm         = 0750

	RootID = "root"

	rootDir        = "root"
	departmentsDir = "departments"
	archiveDir     = "archive"
	publishDir     = "publish"

	// ArchiveStampFormat tags archived department directories.
	ArchiveStampFormat = "20060102T150405Z"
)

var ErrArchiveExists = errors.New("archive destination already exists")

type StorageService struct {
	fs      afero.Fs
	baseDir string
}

// New returns a StorageService rooted at baseDir on the real filesystem.
func New(baseDir string) *StorageService {
	return NewWithFs(afero.NewOsFs(), baseDir)
}

func NewWithFs(fs afero.Fs, baseDir string) *StorageService {
	return &StorageService{fs: fs, baseDir: baseDir}
}

func (s *StorageService) Fs() afero.Fs { return s.fs }

func (s *StorageService) CADir() string { return s.baseDir }

func (s *StorageService) DepartmentsDir() string {
	return filepath.Join(s.baseDir, departmentsDir)
}

func (s *StorageService) ArchiveDir() string {
	return filepath.Join(s.baseDir, archiveDir)
}

// DefaultPublishDir is used when no publish directory is configured.
func (s *StorageService) DefaultPublishDir() string {
	return filepath.Join(s.baseDir, publishDir)
}

func (s *StorageService) EnsureDirs() error {
	for _, d := range []string{s.baseDir, s.DepartmentsDir(), s.ArchiveDir()} {
		if err := s.fs.MkdirAll(d, DirPerm); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the root authority's directory.
func (s *StorageService) Root() *AuthorityDir {
	return &AuthorityDir{fs: s.fs, id: RootID, dir: filepath.Join(s.baseDir, rootDir)}
}

// Department returns the directory of an active department. id must already
// be validated.
func (s *StorageService) Department(id string) *AuthorityDir {
	return &AuthorityDir{fs: s.fs, id: id, dir: filepath.Join(s.DepartmentsDir(), id)}
}

// Authority resolves "root" or a department id.
func (s *StorageService) Authority(id string) *AuthorityDir {
	if id == RootID {
		return s.Root()
	}
	return s.Department(id)
}

// ArchivedDir returns the directory of an archived department by its
// archive name ("<id>-<stamp>").
func (s *StorageService) ArchivedDir(name string) *AuthorityDir {
	return &AuthorityDir{fs: s.fs, id: name, dir: filepath.Join(s.ArchiveDir(), name)}
}

// ListDepartments returns active department ids in directory-listing order.
func (s *StorageService) ListDepartments() ([]string, error) {
	return listDirs(s.fs, s.DepartmentsDir())
}

// ListArchived returns archive directory names ("<id>-<stamp>").
func (s *StorageService) ListArchived() ([]string, error) {
	return listDirs(s.fs, s.ArchiveDir())
}

func listDirs(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			names = append(names, fi.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Archive moves a department's whole directory to archive/<id>-<stamp> and
// returns the new location. The move is a single rename.
func (s *StorageService) Archive(id string, at time.Time) (string, error) {
	src := s.Department(id).Dir()
	dst := filepath.Join(s.ArchiveDir(), id+"-"+at.UTC().Format(ArchiveStampFormat))
	if _, err := s.fs.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrArchiveExists, dst)
	}
	if err := s.fs.MkdirAll(s.ArchiveDir(), DirPerm); err != nil {
		return "", err
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", id, err)
	}
	return dst, nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it into
// place, so readers never see a partially written artifact.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, DirPerm); err != nil {
		return err
	}
	f, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Chmod(tmp, perm); err != nil {
		fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}
