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

// Package ca ties the ledgers, the signing engine and the on-disk layout
// together into a root authority with delegated department authorities.
//
// Issuance and revocation are the only writers of a ledger. Everything else
// in this package reads.
package ca

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/ledger/boltstore"
	"github.com/tvaughan/deptca/internal/ledger/sqlitestore"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/storage"
)

const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Config holds the policy knobs of the CA. Zero values are replaced by
// DefaultConfig's.
type Config struct {
	Backend        string
	LockTimeout    time.Duration
	KeyBits        int
	CAKeyBits      int
	LeafDays       int
	DepartmentDays int
	RootDays       int
	CRLValidity    time.Duration
	Organization   string
	PublishDir     string

	// Passphrase encrypts authority keys at rest. Leaf keys are never
	// encrypted.
	Passphrase []byte
}

func DefaultConfig() Config {
	return Config{
		Backend:        BackendBolt,
		LockTimeout:    5 * time.Second,
		KeyBits:        4096,
		CAKeyBits:      4096,
		LeafDays:       397,
		DepartmentDays: 3650,
		RootDays:       7300,
		CRLValidity:    30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.KeyBits == 0 {
		c.KeyBits = d.KeyBits
	}
	if c.CAKeyBits == 0 {
		c.CAKeyBits = d.CAKeyBits
	}
	if c.LeafDays == 0 {
		c.LeafDays = d.LeafDays
	}
	if c.DepartmentDays == 0 {
		c.DepartmentDays = d.DepartmentDays
	}
	if c.RootDays == 0 {
		c.RootDays = d.RootDays
	}
	if c.CRLValidity <= 0 {
		c.CRLValidity = d.CRLValidity
	}
	return c
}

type CA struct {
	Storage *storage.StorageService
	Engine  signer.Engine
	Now     func() time.Time

	cfg Config

	mu          sync.Mutex
	ledgers     map[string]*ledger.Ledger
	authorities map[string]*Authority
	deptLocks   map[string]*sync.Mutex
}

func New(s *storage.StorageService, eng signer.Engine, cfg Config) (*CA, error) {
	cfg = cfg.withDefaults()
	if cfg.Backend != BackendBolt && cfg.Backend != BackendSQLite {
		return nil, fmt.Errorf("unknown ledger backend %q (want %q or %q)", cfg.Backend, BackendBolt, BackendSQLite)
	}
	if eng == nil {
		eng = signer.New()
	}
	if cfg.PublishDir == "" {
		cfg.PublishDir = s.DefaultPublishDir()
	}
	return &CA{
		Storage:     s,
		Engine:      eng,
		Now:         time.Now,
		cfg:         cfg,
		ledgers:     make(map[string]*ledger.Ledger),
		authorities: make(map[string]*Authority),
		deptLocks:   make(map[string]*sync.Mutex),
	}, nil
}

func (c *CA) Config() Config { return c.cfg }

func (c *CA) now() time.Time {
	return c.Now().UTC()
}

// Close releases every open ledger.
func (c *CA) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, l := range c.ledgers {
		errs = append(errs, l.Close())
		delete(c.ledgers, id)
	}
	return errors.Join(errs...)
}

// ledgerFor returns the shared ledger of an authority. One Ledger per
// authority per process keeps in-process writers on the same mutex; the
// store's file lock covers other processes.
func (c *CA) ledgerFor(dir *storage.AuthorityDir) (*ledger.Ledger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.ledgers[dir.ID()]; ok {
		return l, nil
	}

	var (
		store ledger.Store
		err   error
	)
	path := dir.LedgerPath(c.cfg.Backend)
	switch c.cfg.Backend {
	case BackendSQLite:
		store, err = sqlitestore.Open(path, c.cfg.LockTimeout)
	default:
		store = boltstore.New(path, c.cfg.LockTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLedgerIO, dir.ID(), err)
	}

	l, err := ledger.New(ledger.Config{Authority: dir.ID(), Dir: dir.Dir(), Fs: c.Storage.Fs()}, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	slog.Debug("Opened ledger", "authority", dir.ID(), "backend", c.cfg.Backend, "path", path)
	c.ledgers[dir.ID()] = l
	return l, nil
}

// forget drops the cached ledger and authority of id, closing the ledger.
func (c *CA) forget(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.authorities, id)
	l, ok := c.ledgers[id]
	if !ok {
		return nil
	}
	delete(c.ledgers, id)
	return l.Close()
}

func (c *CA) departmentLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.deptLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.deptLocks[id] = m
	}
	return m
}

// IsReady reports whether a root authority is present and loadable.
func (c *CA) IsReady() bool {
	_, err := c.Root()
	return err == nil
}
