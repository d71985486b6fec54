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

// Package sqlitestore provides a SQLite-backed ledger store. Write
// transactions are started with BEGIN IMMEDIATE so two processes issuing
// against the same authority serialise on the database's reserved lock.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/tvaughan/deptca/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	serial     INTEGER PRIMARY KEY,
	status     TEXT NOT NULL,
	expiry     TEXT NOT NULL,
	revoked_at TEXT,
	reason     INTEGER NOT NULL DEFAULT 0,
	path       TEXT NOT NULL,
	subject    TEXT NOT NULL,
	issued_at  TEXT
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const (
	counterSerial    = "next_serial"
	counterCRLNumber = "next_crl_number"
)

type Store struct {
	db   *sql.DB
	path string
}

var _ ledger.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. timeout is passed
// to SQLite as the busy timeout.
func Open(path string, timeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate",
		path, timeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", mapErr(err))
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Update(fn func(ledger.Tx) error) error {
	return s.run(fn)
}

// View runs fn in an ordinary transaction; Put and SetCounters are not
// prevented, so callers must only read.
func (s *Store) View(fn func(ledger.Tx) error) error {
	return s.run(fn)
}

func (s *Store) run(fn func(ledger.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return mapErr(err)
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr converts SQLite busy and locked conditions to ErrLockContention.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ledger.ErrLockContention, err)
	}
	return err
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Counters() (ledger.Counters, error) {
	var c ledger.Counters
	rows, err := t.tx.Query(`SELECT name, value FROM counters`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return c, err
		}
		switch name {
		case counterSerial:
			c.NextSerial = uint64(value)
		case counterCRLNumber:
			c.NextCRLNumber = uint64(value)
		}
	}
	return c, rows.Err()
}

func (t *sqlTx) SetCounters(c ledger.Counters) error {
	const upsert = `INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if _, err := t.tx.Exec(upsert, counterSerial, int64(c.NextSerial)); err != nil {
		return err
	}
	_, err := t.tx.Exec(upsert, counterCRLNumber, int64(c.NextCRLNumber))
	return err
}

const selectEntry = `SELECT serial, status, expiry, revoked_at, reason, path, subject, issued_at FROM entries`

func (t *sqlTx) Get(serial uint64) (*ledger.Entry, error) {
	row := t.tx.QueryRow(selectEntry+` WHERE serial = ?`, int64(serial))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("serial %d: %w", serial, ledger.ErrNotFound)
	}
	return e, err
}

func (t *sqlTx) Put(e *ledger.Entry) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO entries
		(serial, status, expiry, revoked_at, reason, path, subject, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Serial),
		string(e.Status),
		formatTime(e.Expiry),
		nullTime(e.RevokedAt),
		int(e.Reason),
		e.Path,
		e.Subject,
		nullTime(e.IssuedAt),
	)
	return err
}

func (t *sqlTx) ForEach(fn func(*ledger.Entry) error) error {
	rows, err := t.tx.Query(selectEntry + ` ORDER BY serial ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	// Collect first so fn may issue further queries on the same transaction.
	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) Empty() (bool, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*ledger.Entry, error) {
	var (
		e                   ledger.Entry
		serial              int64
		status, expiry      string
		revokedAt, issuedAt sql.NullString
		reason              int
	)
	if err := s.Scan(&serial, &status, &expiry, &revokedAt, &reason, &e.Path, &e.Subject, &issuedAt); err != nil {
		return nil, err
	}
	e.Serial = uint64(serial)
	e.Status = ledger.Status(status)
	e.Reason = ledger.Reason(reason)

	var err error
	if e.Expiry, err = time.Parse(time.RFC3339Nano, expiry); err != nil {
		return nil, fmt.Errorf("serial %d expiry: %w", serial, err)
	}
	if revokedAt.Valid {
		if e.RevokedAt, err = time.Parse(time.RFC3339Nano, revokedAt.String); err != nil {
			return nil, fmt.Errorf("serial %d revoked_at: %w", serial, err)
		}
	}
	if issuedAt.Valid {
		if e.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt.String); err != nil {
			return nil, fmt.Errorf("serial %d issued_at: %w", serial, err)
		}
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}
