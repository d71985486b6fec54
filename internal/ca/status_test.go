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

package ca_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/testutil"
)

var _ = Describe("StatusOf", func() {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	It("derives expired from the stored expiry", func() {
		e := &ledger.Entry{Status: ledger.StatusValid, Expiry: now.Add(time.Hour)}
		Expect(ca.StatusOf(e, now)).To(Equal(ca.CertValid))
		Expect(ca.StatusOf(e, now)).To(Equal(ca.CertValid))
		Expect(ca.StatusOf(e, now.Add(2*time.Hour))).To(Equal(ca.CertExpired))
		Expect(e.Status).To(Equal(ledger.StatusValid))
	})

	It("reports revoked regardless of expiry", func() {
		e := &ledger.Entry{Status: ledger.StatusRevoked, Expiry: now.Add(-time.Hour)}
		Expect(ca.StatusOf(e, now)).To(Equal(ca.CertRevoked))
	})

	It("parses status filters", func() {
		s, err := ca.ParseCertStatus("Expired")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal(ca.CertExpired))
		s, err = ca.ParseCertStatus("")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeEmpty())
		_, err = ca.ParseCertStatus("pending")
		Expect(ca.Kind(err)).To(Equal("InvalidRequestError"))
	})
})

var _ = Describe("Queries", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture(testConfig(), true)
		for _, id := range []string{"hq", "eng"} {
			_, err := f.ca.CreateDepartment(id)
			Expect(err).NotTo(HaveOccurred())
		}
		f.issue("hq", "web1.example")
		f.issue("hq", "web2.example")
		f.issue("eng", "build.example")
		_, err := f.ca.RevokeCertificate("hq", "1001", ledger.ReasonSuperseded)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		f.cleanup()
	})

	It("lists certificates with derived status and filters them", func() {
		all, err := f.ca.ListCertificates("hq", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(2))
		Expect(all[0].ID).To(Equal("hq-1000"))
		Expect(all[0].CommonName).To(Equal("web1.example"))
		Expect(all[0].Status).To(Equal(ca.CertValid))
		Expect(all[1].Status).To(Equal(ca.CertRevoked))
		Expect(all[1].ReasonName).To(Equal("superseded"))

		revoked, err := f.ca.ListCertificates("hq", ca.CertRevoked)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(HaveLen(1))
		Expect(revoked[0].Serial).To(Equal(uint64(1001)))
	})

	It("counts expired certificates once their expiry has passed", func() {
		f.ca.Now = testutil.FixedClock(time.Now().AddDate(0, 0, 400))
		counts, err := f.ca.Aggregate("hq")
		Expect(err).NotTo(HaveOccurred())
		Expect(counts).To(Equal(ca.Counts{Valid: 0, Revoked: 1, Expired: 1}))
	})

	It("totals every authority", func() {
		totals, err := f.ca.Totals()
		Expect(err).NotTo(HaveOccurred())
		Expect(totals.Authorities).To(HaveLen(3))
		Expect(totals.Authorities[0].ID).To(Equal(ca.RootID))
		// Two department certificates in the root ledger.
		Expect(totals.Authorities[0].Counts.Valid).To(Equal(2))
		Expect(totals.Total).To(Equal(ca.Counts{Valid: 4, Revoked: 1}))
		Expect(totals.Total.Total()).To(Equal(5))
	})

	It("shows one certificate in detail", func() {
		d, err := f.ca.ShowCertificate("hq-1000")
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Authority).To(Equal("hq"))
		Expect(d.SANs).To(Equal([]string{"DNS:web1.example"}))
		Expect(d.ExtKeyUsage).NotTo(BeEmpty())
		Expect(d.Issuer).To(ContainSubstring("CN=hq CA"))
		Expect(d.Fingerprint).To(HaveLen(64))
		Expect(d.PEM).To(ContainSubstring("BEGIN CERTIFICATE"))
		Expect(d.ArtifactMissing).To(BeFalse())
	})

	It("flags a certificate whose artifact is gone", func() {
		d, err := f.ca.ShowCertificate("hq-1000")
		Expect(err).NotTo(HaveOccurred())
		hq := f.store.Department("hq")
		Expect(os.Remove(hq.Abs(d.Path))).To(Succeed())

		d, err = f.ca.ShowCertificate("hq-1000")
		Expect(err).NotTo(HaveOccurred())
		Expect(d.ArtifactMissing).To(BeTrue())
		Expect(d.Status).To(Equal(ca.CertValid))
	})

	It("reports unknown references", func() {
		_, err := f.ca.ShowCertificate("hq-9999")
		Expect(ca.Kind(err)).To(Equal("NotFoundError"))
		_, err = f.ca.ShowCertificate("nope-1000")
		Expect(ca.Kind(err)).To(Equal("NotFoundError"))
		_, err = f.ca.ShowCertificate("hq")
		Expect(ca.Kind(err)).To(Equal("InvalidRequestError"))
	})

	It("lists authorities and flags broken ones", func() {
		infos, err := f.ca.ListAuthorities()
		Expect(err).NotTo(HaveOccurred())
		Expect(infos).To(HaveLen(3))
		Expect(infos[0].ID).To(Equal(ca.RootID))
		Expect(infos[0].Role).To(Equal(ca.RoleRoot))
		Expect(infos[1].ID).To(Equal("eng"))
		Expect(infos[2].ID).To(Equal("hq"))
		for _, info := range infos {
			Expect(info.State).To(Equal(ca.StateActive))
			Expect(info.Integrity).To(Equal(ca.IntegrityOK))
		}

		eng := f.store.Department("eng")
		Expect(os.Remove(eng.KeyPath())).To(Succeed())
		infos, err = f.ca.ListAuthorities()
		Expect(err).NotTo(HaveOccurred())
		Expect(infos[1].Integrity).To(Equal(ca.IntegrityBroken))
		Expect(infos[1].Serial).NotTo(BeZero())
	})
})
