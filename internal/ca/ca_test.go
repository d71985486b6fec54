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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/testutil"
)

var _ = Describe("CA", func() {
	var f *fixture

	AfterEach(func() {
		f.cleanup()
	})

	Context("Init", func() {
		BeforeEach(func() {
			f = newFixture(testConfig(), false)
		})

		It("bootstraps a self-signed root with an initial CRL", func() {
			root, err := f.ca.Init("Example Root")
			Expect(err).NotTo(HaveOccurred())
			Expect(root.Role).To(Equal(ca.RoleRoot))
			Expect(root.Cert.IsCA).To(BeTrue())
			Expect(root.Cert.Subject.CommonName).To(Equal("Example Root"))
			Expect(root.Cert.Subject.Organization).To(Equal([]string{"Example"}))
			Expect(root.Cert.SerialNumber.Uint64()).To(Equal(uint64(1000)))

			_, crl, err := f.ca.CurrentCRL(ca.RootID)
			Expect(err).NotTo(HaveOccurred())
			Expect(crl.Number.Uint64()).To(Equal(uint64(1)))
			Expect(crl.CheckSignatureFrom(root.Cert)).To(Succeed())
			Expect(f.ca.IsReady()).To(BeTrue())
		})

		It("loads the existing root on a second call", func() {
			first, err := f.ca.Init("")
			Expect(err).NotTo(HaveOccurred())

			other, err := ca.New(f.store, nil, testConfig())
			Expect(err).NotTo(HaveOccurred())
			defer other.Close()
			second, err := other.Init("ignored")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Cert.Equal(first.Cert)).To(BeTrue())
		})

		It("reports a missing root before Init", func() {
			Expect(f.ca.IsReady()).To(BeFalse())
			_, err := f.ca.IssueNew("root", "server", "web1.example", nil)
			Expect(ca.Kind(err)).To(Equal("MissingRootError"))
		})

		It("encrypts authority keys under the configured passphrase", func() {
			cfg := testConfig()
			cfg.Passphrase = []byte("correct horse")
			locked, err := ca.New(f.store, nil, cfg)
			Expect(err).NotTo(HaveOccurred())
			defer locked.Close()
			_, err = locked.Init("")
			Expect(err).NotTo(HaveOccurred())

			keyPEM, err := os.ReadFile(f.store.Root().KeyPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(keyPEM)).To(ContainSubstring("ENCRYPTED PRIVATE KEY"))

			_, err = f.ca.Init("")
			Expect(ca.Kind(err)).To(Equal("PassphraseRequiredError"))
		})

		It("rejects an unknown ledger backend", func() {
			cfg := testConfig()
			cfg.Backend = "csv"
			_, err := ca.New(f.store, nil, cfg)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("CreateDepartment", func() {
		BeforeEach(func() {
			f = newFixture(testConfig(), true)
		})

		It("issues a path-length-zero intermediate recorded in the root ledger", func() {
			hq, err := f.ca.CreateDepartment("hq")
			Expect(err).NotTo(HaveOccurred())
			root, err := f.ca.Root()
			Expect(err).NotTo(HaveOccurred())

			Expect(hq.Role).To(Equal(ca.RoleDepartment))
			Expect(hq.Cert.IsCA).To(BeTrue())
			Expect(hq.Cert.MaxPathLenZero).To(BeTrue())
			Expect(hq.Cert.Subject.CommonName).To(Equal("hq CA"))
			Expect(hq.Cert.CheckSignatureFrom(root.Cert)).To(Succeed())
			Expect(hq.Chain).To(HaveLen(2))
			Expect(hq.Chain[1].Equal(root.Cert)).To(BeTrue())

			// The root certificate consumed 1000.
			Expect(hq.Cert.SerialNumber.Uint64()).To(Equal(uint64(1001)))
			detail, err := f.ca.ShowCertificate("root-1001")
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Status).To(Equal(ca.CertValid))
			Expect(detail.CommonName).To(Equal("hq CA"))
			Expect(detail.IsCA).To(BeTrue())

			_, crl, err := f.ca.CurrentCRL("hq")
			Expect(err).NotTo(HaveOccurred())
			Expect(crl.Number.Uint64()).To(Equal(uint64(1)))
			Expect(crl.RevokedCertificateEntries).To(BeEmpty())
		})

		It("refuses an existing department", func() {
			_, err := f.ca.CreateDepartment("hq")
			Expect(err).NotTo(HaveOccurred())
			_, err = f.ca.CreateDepartment("hq")
			Expect(errors.Is(err, ca.ErrAuthorityExists)).To(BeTrue())
		})

		It("validates department ids", func() {
			for _, id := range []string{"root", "HQ", "a/b", "..", "a..b", ""} {
				_, err := f.ca.CreateDepartment(id)
				Expect(errors.Is(err, ca.ErrInvalidID)).To(BeTrue(), id)
			}
		})
	})

	Context("issuance and revocation", func() {
		BeforeEach(func() {
			f = newFixture(testConfig(), true)
			_, err := f.ca.CreateDepartment("hq")
			Expect(err).NotTo(HaveOccurred())
		})

		It("runs the issue, revoke, aggregate scenario", func() {
			issued, err := f.ca.IssueNew("hq", "server", "web1.example", []string{"DNS:web1.example"})
			Expect(err).NotTo(HaveOccurred())
			Expect(issued.Serial).To(Equal(uint64(1000)))
			Expect(issued.Ref()).To(Equal("hq-1000"))
			Expect(issued.Entry.Status).To(Equal(ledger.StatusValid))
			Expect(issued.Entry.Expiry).To(BeTemporally("~", time.Now().AddDate(0, 0, 397), time.Minute))
			Expect(issued.Cert.DNSNames).To(Equal([]string{"web1.example"}))
			Expect(issued.Cert.Subject.OrganizationalUnit).To(Equal([]string{"hq"}))

			for _, p := range []string{issued.CertPath, issued.FullChainPath, issued.KeyPath, issued.CSRPath} {
				Expect(p).To(BeAnExistingFile())
			}
			chain, err := os.ReadFile(issued.FullChainPath)
			Expect(err).NotTo(HaveOccurred())
			certs, err := signer.ParseCerts(chain)
			Expect(err).NotTo(HaveOccurred())
			Expect(certs).To(HaveLen(3))

			rev, err := f.ca.RevokeCertificate("hq", "1000", ledger.ReasonKeyCompromise)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev.CRLNumber).To(Equal(uint64(2)))

			_, crl, err := f.ca.CurrentCRL("hq")
			Expect(err).NotTo(HaveOccurred())
			Expect(crl.Number.Uint64()).To(Equal(uint64(2)))
			Expect(crl.RevokedCertificateEntries).To(HaveLen(1))
			Expect(crl.RevokedCertificateEntries[0].SerialNumber.Uint64()).To(Equal(uint64(1000)))
			Expect(crl.RevokedCertificateEntries[0].ReasonCode).To(Equal(int(ledger.ReasonKeyCompromise)))

			counts, err := f.ca.Aggregate("hq")
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal(ca.Counts{Valid: 0, Revoked: 1, Expired: 0}))
		})

		It("treats a repeated revocation as benign and leaves the CRL alone", func() {
			issued := f.issue("hq", "web1.example")
			_, err := f.ca.RevokeCertificate("hq", "1000", ledger.ReasonSuperseded)
			Expect(err).NotTo(HaveOccurred())
			before, _, err := f.ca.CurrentCRL("hq")
			Expect(err).NotTo(HaveOccurred())

			rev, err := f.ca.RevokeCertificate("hq", issued.CertPath, ledger.ReasonKeyCompromise)
			Expect(errors.Is(err, ca.ErrAlreadyRevoked)).To(BeTrue())
			Expect(ca.Benign(err)).To(BeTrue())
			Expect(rev.CRLNumber).To(BeZero())

			after, _, err := f.ca.CurrentCRL("hq")
			Expect(err).NotTo(HaveOccurred())
			Expect(bytes.Equal(before, after)).To(BeTrue())

			detail, err := f.ca.ShowCertificate("hq-1000")
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Reason).To(Equal(ledger.ReasonSuperseded))
		})

		It("rewrites a CRL that no longer matches the ledger", func() {
			f.issue("hq", "web1.example")
			_, err := f.ca.RevokeCertificate("hq", "1000", ledger.ReasonUnspecified)
			Expect(err).NotTo(HaveOccurred())
			hq, err := f.ca.Authority("hq")
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Remove(hq.Dir().CRLPath())).To(Succeed())

			rev, err := f.ca.RevokeCertificate("hq", "1000", ledger.ReasonUnspecified)
			Expect(errors.Is(err, ca.ErrAlreadyRevoked)).To(BeTrue())
			Expect(rev.CRLNumber).To(Equal(uint64(3)))
		})

		It("resolves a certificate by its file name", func() {
			issued := f.issue("hq", "web1.example")
			f.issue("hq", "web2.example")

			rev, err := f.ca.RevokeCertificate("hq", "issued/"+filepath.Base(issued.CertPath), ledger.ReasonUnspecified)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev.Serial).To(Equal(issued.Serial))

			_, err = f.ca.RevokeCertificate("hq", "issued/nothing.crt", ledger.ReasonUnspecified)
			Expect(ca.Kind(err)).To(Equal("NotFoundError"))
			_, err = f.ca.RevokeCertificate("hq", "4242", ledger.ReasonUnspecified)
			Expect(ca.Kind(err)).To(Equal("NotFoundError"))
		})

		It("gives concurrent issuances distinct serials", func() {
			const n = 6
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				serials = map[uint64]bool{}
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					issued, err := f.ca.IssueNew("hq", "client", "same.example", nil)
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					serials[issued.Serial] = true
					mu.Unlock()
				}()
			}
			wg.Wait()
			Expect(serials).To(HaveLen(n))

			certs, err := f.ca.ListCertificates("hq", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(certs).To(HaveLen(n))
			paths := map[string]bool{}
			for _, c := range certs {
				paths[c.Path] = true
			}
			Expect(paths).To(HaveLen(n))
		})

		It("adds the common name as a DNS SAN for server profiles only", func() {
			server := f.issue("hq", "web1.example")
			Expect(server.Cert.DNSNames).To(Equal([]string{"web1.example"}))

			client, err := f.ca.IssueNew("hq", "client", "alice", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Cert.DNSNames).To(BeEmpty())
		})

		DescribeTable("aborts without touching the ledger",
			func(run func(*ca.CA) error, kind string) {
				Expect(ca.Kind(run(f.ca))).To(Equal(kind))
				certs, err := f.ca.ListCertificates("hq", "")
				Expect(err).NotTo(HaveOccurred())
				Expect(certs).To(BeEmpty())
			},
			Entry("unknown profile", func(c *ca.CA) error {
				_, err := c.IssueNew("hq", "bogus", "web1.example", nil)
				return err
			}, "UnknownProfileError"),
			Entry("unsupported SAN type", func(c *ca.CA) error {
				_, err := c.IssueNew("hq", "server", "web1.example", []string{"DNS:ok.example", "X400:nope"})
				return err
			}, "InvalidSANError"),
			Entry("empty common name", func(c *ca.CA) error {
				_, err := c.IssueNew("hq", "client", "  ", nil)
				return err
			}, "InvalidRequestError"),
			Entry("tampered CSR", func(c *ca.CA) error {
				csr, _, err := testutil.GenerateCSR("web1.example")
				Expect(err).NotTo(HaveOccurred())
				_, err = c.IssueFromCSR("hq", "server", testutil.TamperCSR(csr), nil)
				return err
			}, "InvalidCSRError"),
			Entry("garbage CSR", func(c *ca.CA) error {
				_, err := c.IssueFromCSR("hq", "server", []byte("not a csr"), nil)
				return err
			}, "InvalidCSRError"),
			Entry("unknown department", func(c *ca.CA) error {
				_, err := c.IssueNew("nope", "server", "web1.example", nil)
				return err
			}, "NotFoundError"),
		)

		It("signs an external CSR and keeps its SANs", func() {
			csr, _, err := testutil.GenerateCSR("vpn1.example", "DNS:vpn1.example", "IP:10.0.0.1")
			Expect(err).NotTo(HaveOccurred())

			issued, err := f.ca.IssueFromCSR("hq", "vpn-server", csr, []string{"DNS:alt.example"})
			Expect(err).NotTo(HaveOccurred())
			Expect(issued.KeyPath).To(BeEmpty())
			Expect(issued.Cert.DNSNames).To(Equal([]string{"vpn1.example", "alt.example"}))
			Expect(issued.Cert.IPAddresses).To(HaveLen(1))
			Expect(issued.CSRPath).To(BeAnExistingFile())
		})
	})
})
