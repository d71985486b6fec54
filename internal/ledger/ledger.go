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

// Package ledger is the durable record of every certificate an authority
// has issued, plus the authority's serial and CRL-number allocators.
//
// Entries are only ever appended or marked revoked. Every mutation commits
// to the backing Store before returning and is then mirrored to the
// openssl-style text files (index.txt, serial, crlnumber) in the authority
// directory.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/tvaughan/deptca/internal/storage"
)

const (
	DefaultFirstSerial    = 1000
	DefaultFirstCRLNumber = 1

	IndexFile     = "index.txt"
	SerialFile    = "serial"
	CRLNumberFile = "crlnumber"
)

// Config describes one authority's ledger.
type Config struct {
	Authority      string
	Dir            string
	Fs             afero.Fs
	FirstSerial    uint64
	FirstCRLNumber uint64
}

type Ledger struct {
	cfg   Config
	store Store
	mu    sync.RWMutex
}

// callerError marks an error returned by a callback so it is not reported
// as a persistence failure.
type callerError struct{ err error }

func (e *callerError) Error() string { return e.err.Error() }
func (e *callerError) Unwrap() error { return e.err }

// New wraps store and loads (or initialises) the counters.
func New(cfg Config, store Store) (*Ledger, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.FirstSerial == 0 {
		cfg.FirstSerial = DefaultFirstSerial
	}
	if cfg.FirstCRLNumber == 0 {
		cfg.FirstCRLNumber = DefaultFirstCRLNumber
	}
	l := &Ledger{cfg: cfg, store: store}
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Authority() string { return l.cfg.Authority }

func (l *Ledger) IndexPath() string     { return filepath.Join(l.cfg.Dir, IndexFile) }
func (l *Ledger) SerialPath() string    { return filepath.Join(l.cfg.Dir, SerialFile) }
func (l *Ledger) CRLNumberPath() string { return filepath.Join(l.cfg.Dir, CRLNumberFile) }

func (l *Ledger) Close() error {
	return l.store.Close()
}

// Load initialises the counters of a fresh store. If the store is empty and
// a text index from an earlier installation is present, its entries and
// counters are imported first.
func (l *Ledger) Load() error {
	return l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		if !c.zero() {
			return nil
		}
		empty, err := tx.Empty()
		if err != nil {
			return err
		}
		c = Counters{NextSerial: l.cfg.FirstSerial, NextCRLNumber: l.cfg.FirstCRLNumber}
		if empty {
			imported, err := l.importLegacy(tx)
			if err != nil {
				return err
			}
			c = imported.max(c)
		}
		slog.Debug("Initialised ledger counters", "authority", l.cfg.Authority,
			"next_serial", c.NextSerial, "next_crl_number", c.NextCRLNumber)
		return tx.SetCounters(c)
	})
}

func (c Counters) max(o Counters) Counters {
	if o.NextSerial > c.NextSerial {
		c.NextSerial = o.NextSerial
	}
	if o.NextCRLNumber > c.NextCRLNumber {
		c.NextCRLNumber = o.NextCRLNumber
	}
	return c
}

func (l *Ledger) importLegacy(tx Tx) (Counters, error) {
	var c Counters
	data, err := afero.ReadFile(l.cfg.Fs, l.IndexPath())
	if err != nil {
		// Nothing to import.
		return c, nil
	}
	entries, err := ReadIndex(bytes.NewReader(data))
	if err != nil {
		return c, fmt.Errorf("importing %s: %w", l.IndexPath(), err)
	}
	for _, e := range entries {
		if err := tx.Put(e); err != nil {
			return c, err
		}
		if e.Serial >= c.NextSerial {
			c.NextSerial = e.Serial + 1
		}
	}
	if n, ok := l.readCounterFile(l.SerialPath()); ok && n > c.NextSerial {
		c.NextSerial = n
	}
	if n, ok := l.readCounterFile(l.CRLNumberPath()); ok {
		c.NextCRLNumber = n
	}
	if len(entries) > 0 {
		slog.Info("Imported text ledger", "authority", l.cfg.Authority, "entries", len(entries))
	}
	return c, nil
}

func (l *Ledger) readCounterFile(path string) (uint64, bool) {
	data, err := afero.ReadFile(l.cfg.Fs, path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		slog.Warn("Ignoring unparsable counter file", "path", path, "error", err)
		return 0, false
	}
	return n, true
}

// AllocateSerial reserves and returns the next serial without recording an
// entry. The serial is never handed out again.
func (l *Ledger) AllocateSerial() (uint64, error) {
	var serial uint64
	err := l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		serial = c.NextSerial
		c.NextSerial++
		return tx.SetCounters(c)
	})
	return serial, err
}

// AllocateCRLNumber reserves and returns the next CRL number.
func (l *Ledger) AllocateCRLNumber() (uint64, error) {
	var number uint64
	err := l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		number = c.NextCRLNumber
		c.NextCRLNumber++
		return tx.SetCounters(c)
	})
	return number, err
}

// Advance raises the counters so the next serial is at least nextSerial and
// the next CRL number at least nextCRLNumber. Counters never move backwards.
func (l *Ledger) Advance(nextSerial, nextCRLNumber uint64) error {
	return l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		return tx.SetCounters(c.max(Counters{NextSerial: nextSerial, NextCRLNumber: nextCRLNumber}))
	})
}

// Append records e as a new valid entry under a freshly allocated serial.
func (l *Ledger) Append(e Entry) (uint64, error) {
	issued, err := l.Issue(func(uint64) (*Entry, error) {
		return &e, nil
	})
	if err != nil {
		return 0, err
	}
	return issued.Serial, nil
}

// Issue allocates a serial and hands it to fn, which signs and writes the
// certificate and returns its entry. The allocation and the entry commit in
// one transaction: if fn fails, neither the counter nor the ledger changes.
func (l *Ledger) Issue(fn func(serial uint64) (*Entry, error)) (*Entry, error) {
	var issued *Entry
	err := l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		serial := c.NextSerial
		if _, err := tx.Get(serial); err == nil {
			return fmt.Errorf("serial %d is already recorded but not below next_serial", serial)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		e, err := fn(serial)
		if err != nil {
			return &callerError{err}
		}
		e.Serial = serial
		e.Status = StatusValid
		e.RevokedAt = time.Time{}
		e.Reason = ReasonUnspecified
		if e.IssuedAt.IsZero() {
			e.IssuedAt = time.Now().UTC()
		}
		if err := tx.Put(e); err != nil {
			return err
		}
		c.NextSerial = serial + 1
		if err := tx.SetCounters(c); err != nil {
			return err
		}
		issued = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// MarkRevoked transitions serial from valid to revoked. It returns
// ErrNotFound for an unknown serial and ErrAlreadyRevoked without mutating
// anything when the entry is already revoked.
func (l *Ledger) MarkRevoked(serial uint64, reason Reason, at time.Time) error {
	if !reason.Valid() {
		return fmt.Errorf("%w %d", ErrInvalidReason, int(reason))
	}
	if at.IsZero() {
		at = time.Now()
	}
	return l.update(func(tx Tx) error {
		e, err := tx.Get(serial)
		if err != nil {
			return err
		}
		if e.Revoked() {
			return fmt.Errorf("%s serial %d: %w", l.cfg.Authority, serial, ErrAlreadyRevoked)
		}
		e.Status = StatusRevoked
		e.RevokedAt = at.UTC()
		e.Reason = reason
		return tx.Put(e)
	})
}

// WithCRLNumber allocates a CRL number and calls fn with it and the full
// revoked set, all under the ledger lock. If fn fails the number is not
// consumed.
func (l *Ledger) WithCRLNumber(fn func(number uint64, revoked []*Entry) error) (uint64, error) {
	var number uint64
	err := l.update(func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		var revoked []*Entry
		if err := tx.ForEach(func(e *Entry) error {
			if e.Revoked() {
				revoked = append(revoked, e)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := fn(c.NextCRLNumber, revoked); err != nil {
			return &callerError{err}
		}
		number = c.NextCRLNumber
		c.NextCRLNumber++
		return tx.SetCounters(c)
	})
	return number, err
}

func (l *Ledger) Get(serial uint64) (*Entry, error) {
	var e *Entry
	err := l.view(func(tx Tx) error {
		var err error
		e, err = tx.Get(serial)
		return err
	})
	return e, err
}

// AllEntries returns every entry in ascending serial order.
func (l *Ledger) AllEntries() ([]*Entry, error) {
	var entries []*Entry
	err := l.view(func(tx Tx) error {
		return tx.ForEach(func(e *Entry) error {
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (l *Ledger) Counters() (Counters, error) {
	var c Counters
	err := l.view(func(tx Tx) error {
		var err error
		c, err = tx.Counters()
		return err
	})
	return c, err
}

// Persist rewrites the text mirror from the store.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked()
}

func (l *Ledger) persistLocked() error {
	var (
		entries []*Entry
		c       Counters
	)
	err := l.store.View(func(tx Tx) error {
		var err error
		if c, err = tx.Counters(); err != nil {
			return err
		}
		return tx.ForEach(func(e *Entry) error {
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return l.classify(err)
	}

	var buf bytes.Buffer
	if err := WriteIndex(&buf, entries); err != nil {
		return err
	}
	files := []struct {
		path string
		data []byte
	}{
		{l.IndexPath(), buf.Bytes()},
		{l.SerialPath(), []byte(strconv.FormatUint(c.NextSerial, 10) + "\n")},
		{l.CRLNumberPath(), []byte(strconv.FormatUint(c.NextCRLNumber, 10) + "\n")},
	}
	for _, f := range files {
		if err := storage.WriteFileAtomic(l.cfg.Fs, f.path, f.data, storage.FilePermPublic); err != nil {
			return fmt.Errorf("%w: writing %s: %w", ErrLedgerIO, f.path, err)
		}
	}
	return nil
}

func (l *Ledger) update(fn func(Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Update(fn); err != nil {
		return l.classify(err)
	}
	// The store is authoritative; a stale mirror is rewritten on the next mutation.
	if err := l.persistLocked(); err != nil {
		slog.Warn("Could not mirror ledger to text files", "authority", l.cfg.Authority, "error", err)
	}
	return nil
}

func (l *Ledger) view(fn func(Tx) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.store.View(fn); err != nil {
		return l.classify(err)
	}
	return nil
}

func (l *Ledger) classify(err error) error {
	var ce *callerError
	switch {
	case errors.As(err, &ce):
		return ce.err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyRevoked),
		errors.Is(err, ErrLockContention), errors.Is(err, ErrLedgerIO):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrLedgerIO, l.cfg.Authority, err)
}
