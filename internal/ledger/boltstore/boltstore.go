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

// Package boltstore provides a BBolt-backed ledger store. Entries live in a
// bucket keyed by the big-endian serial so a cursor walks them in serial
// order.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tvaughan/deptca/internal/ledger"
	"go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	countersKey   = []byte("counters")
)

// Store opens the database file for the duration of each transaction, so
// the file lock (and with it the per-authority write lock) is only held
// while a read-modify-write cycle runs.
type Store struct {
	path    string
	timeout time.Duration
}

var _ ledger.Store = (*Store)(nil)

// New returns a store for the database at path. timeout bounds how long a
// transaction waits for another process's lock.
func New(path string, timeout time.Duration) *Store {
	return &Store{path: path, timeout: timeout}
}

func (s *Store) Path() string { return s.path }

func (s *Store) open(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", s.path, ledger.ErrLockContention)
		}
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return db, nil
}

func (s *Store) Update(fn func(ledger.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		entries, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return fn(&boltTx{entries: entries, meta: meta, writable: true})
	})
}

func (s *Store) View(fn func(ledger.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{entries: tx.Bucket(entriesBucket), meta: tx.Bucket(metaBucket)})
	})
}

// Close is a no-op; the database is closed after every transaction.
func (s *Store) Close() error { return nil }

type boltTx struct {
	entries  *bbolt.Bucket
	meta     *bbolt.Bucket
	writable bool
}

func serialKey(serial uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, serial)
	return k
}

func (t *boltTx) Counters() (ledger.Counters, error) {
	var c ledger.Counters
	if t.meta == nil {
		return c, nil
	}
	data := t.meta.Get(countersKey)
	if data == nil {
		return c, nil
	}
	err := json.Unmarshal(data, &c)
	return c, err
}

func (t *boltTx) SetCounters(c ledger.Counters) error {
	if !t.writable {
		return bbolt.ErrTxNotWritable
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return t.meta.Put(countersKey, data)
}

func (t *boltTx) Get(serial uint64) (*ledger.Entry, error) {
	if t.entries == nil {
		return nil, fmt.Errorf("serial %d: %w", serial, ledger.ErrNotFound)
	}
	data := t.entries.Get(serialKey(serial))
	if data == nil {
		return nil, fmt.Errorf("serial %d: %w", serial, ledger.ErrNotFound)
	}
	var e ledger.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *boltTx) Put(e *ledger.Entry) error {
	if !t.writable {
		return bbolt.ErrTxNotWritable
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.entries.Put(serialKey(e.Serial), data)
}

func (t *boltTx) ForEach(fn func(*ledger.Entry) error) error {
	if t.entries == nil {
		return nil
	}
	c := t.entries.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e ledger.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Empty() (bool, error) {
	if t.entries == nil {
		return true, nil
	}
	k, _ := t.entries.Cursor().First()
	return k == nil, nil
}
