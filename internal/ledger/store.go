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

package ledger

import "errors"

var (
	// ErrNotFound is returned when a serial is not present in the ledger.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRevoked is returned by MarkRevoked for an entry that is
	// already revoked. Callers should treat it as success.
	ErrAlreadyRevoked = errors.New("already revoked")

	// ErrInvalidReason is returned for a revocation reason that may not
	// appear in a CRL.
	ErrInvalidReason = errors.New("invalid revocation reason")

	// ErrLedgerIO wraps any persistence failure of the underlying store.
	ErrLedgerIO = errors.New("ledger I/O error")

	// ErrLockContention is returned when another writer holds the ledger
	// lock past the configured timeout. Retry with backoff.
	ErrLockContention = errors.New("ledger busy")
)

// Tx is a single read or read-write transaction against a Store.
type Tx interface {
	Counters() (Counters, error)
	SetCounters(Counters) error
	// Get returns ErrNotFound when serial is absent.
	Get(serial uint64) (*Entry, error)
	Put(e *Entry) error
	// ForEach visits entries in ascending serial order.
	ForEach(fn func(*Entry) error) error
	Empty() (bool, error)
}

// Store is the durable backend of one authority's ledger. Update must be
// exclusive across processes; implementations map lock timeouts to
// ErrLockContention.
type Store interface {
	Update(fn func(Tx) error) error
	View(fn func(Tx) error) error
	Close() error
}
