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

package sqlitestore_test

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/ledger/sqlitestore"
)

var _ = Describe("Store", func() {
	var (
		tmpDir string
		path   string
		store  *sqlitestore.Store
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "deptca-sqlite")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(tmpDir, "ledger.sqlite")
		store, err = sqlitestore.Open(path, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	It("stores every entry field", func() {
		in := &ledger.Entry{
			Serial:    1000,
			Status:    ledger.StatusRevoked,
			Expiry:    time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			RevokedAt: time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC),
			Reason:    ledger.ReasonAffiliationChanged,
			Path:      "issued/a.crt",
			Subject:   "/CN=a",
			IssuedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		Expect(store.Update(func(tx ledger.Tx) error { return tx.Put(in) })).To(Succeed())

		var out *ledger.Entry
		Expect(store.View(func(tx ledger.Tx) error {
			var err error
			out, err = tx.Get(1000)
			return err
		})).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("keeps counters and rolls back on failure", func() {
		Expect(store.Update(func(tx ledger.Tx) error {
			return tx.SetCounters(ledger.Counters{NextSerial: 1000, NextCRLNumber: 1})
		})).To(Succeed())

		err := store.Update(func(tx ledger.Tx) error {
			if err := tx.SetCounters(ledger.Counters{NextSerial: 2000, NextCRLNumber: 9}); err != nil {
				return err
			}
			return errors.New("abort")
		})
		Expect(err).To(HaveOccurred())

		Expect(store.View(func(tx ledger.Tx) error {
			c, err := tx.Counters()
			Expect(c).To(Equal(ledger.Counters{NextSerial: 1000, NextCRLNumber: 1}))
			return err
		})).To(Succeed())
	})

	It("reports an empty table and a missing serial", func() {
		Expect(store.View(func(tx ledger.Tx) error {
			empty, err := tx.Empty()
			Expect(empty).To(BeTrue())
			if err != nil {
				return err
			}
			_, err = tx.Get(1)
			Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())
			return nil
		})).To(Succeed())
	})

	It("reports lock contention while another connection writes", func() {
		other, err := sqlitestore.Open(path, 50*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		defer other.Close()

		var inner error
		Expect(store.Update(func(ledger.Tx) error {
			inner = other.Update(func(tx ledger.Tx) error {
				return tx.SetCounters(ledger.Counters{NextSerial: 1})
			})
			return nil
		})).To(Succeed())
		Expect(errors.Is(inner, ledger.ErrLockContention)).To(BeTrue())
	})
})
