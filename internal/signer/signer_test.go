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

package signer_test

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/testutil"
)

var (
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
)

var _ = BeforeSuite(func() {
	var err error
	caCert, caKey, err = testutil.GenerateTestCA("Signer Test CA")
	Expect(err).NotTo(HaveOccurred())
})

var _ = Describe("X509 engine", func() {
	var eng *signer.X509

	BeforeEach(func() {
		eng = signer.New()
	})

	It("refuses keys below the minimum size", func() {
		_, err := eng.GenerateKey(1024)
		Expect(errors.Is(err, signer.ErrWeakKey)).To(BeTrue())
	})

	It("self-signs a CA certificate", func() {
		Expect(caCert.IsCA).To(BeTrue())
		Expect(caCert.SubjectKeyId).NotTo(BeEmpty())
		Expect(caCert.KeyUsage & x509.KeyUsageCRLSign).NotTo(BeZero())
		Expect(caCert.CheckSignatureFrom(caCert)).To(Succeed())
	})

	Context("Sign", func() {
		var csr *x509.CertificateRequest

		BeforeEach(func() {
			csrPEM, _, err := testutil.GenerateCSR("web1.example", "DNS:web1.example")
			Expect(err).NotTo(HaveOccurred())
			csr, err = signer.ParseCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())
		})

		It("issues a leaf with the profile's usages and the requested serial", func() {
			ext, err := profile.Resolve("server")
			Expect(err).NotTo(HaveOccurred())
			sans, err := profile.MergeSANs(profile.FromCSR(csr), []string{"IP:10.1.1.1"})
			Expect(err).NotTo(HaveOccurred())

			cert, err := eng.Sign(caCert, caKey, signer.Request{
				CSR: csr, Serial: 1000, Extensions: ext, SANs: sans, ValidityDays: 1,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.SerialNumber.Uint64()).To(Equal(uint64(1000)))
			Expect(cert.IsCA).To(BeFalse())
			Expect(cert.ExtKeyUsage).To(Equal([]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}))
			Expect(cert.DNSNames).To(Equal([]string{"web1.example"}))
			Expect(cert.IPAddresses).To(HaveLen(1))
			Expect(cert.AuthorityKeyId).To(Equal(caCert.SubjectKeyId))
			Expect(cert.SignatureAlgorithm).To(Equal(x509.SHA256WithRSA))
			Expect(cert.CheckSignatureFrom(caCert)).To(Succeed())
		})

		It("caps validity at the issuer's expiry", func() {
			cert, err := eng.Sign(caCert, caKey, signer.Request{CSR: csr, Serial: 1, ValidityDays: 397})
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.NotAfter.Equal(caCert.NotAfter)).To(BeTrue())
		})

		It("issues intermediates with a zero path length", func() {
			cert, err := eng.Sign(caCert, caKey, signer.Request{CSR: csr, Serial: 2, ValidityDays: 1, IsCA: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.IsCA).To(BeTrue())
			Expect(cert.MaxPathLenZero).To(BeTrue())
			Expect(cert.MaxPathLen).To(Equal(0))
		})

		It("refuses to sign with an expired issuer", func() {
			eng.Now = testutil.FixedClock(caCert.NotAfter.Add(time.Minute))
			_, err := eng.Sign(caCert, caKey, signer.Request{CSR: csr, Serial: 3, ValidityDays: 1})
			Expect(errors.Is(err, signer.ErrIssuerExpired)).To(BeTrue())
		})
	})

	It("signs a CRL listing every revocation", func() {
		at := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		crl, err := eng.SignCRL(caCert, caKey, 7, []signer.Revocation{
			{Serial: 1000, RevokedAt: at, Reason: 1},
			{Serial: 1001, RevokedAt: at},
		}, 30*24*time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(crl.Number.Uint64()).To(Equal(uint64(7)))
		Expect(crl.CheckSignatureFrom(caCert)).To(Succeed())
		Expect(crl.RevokedCertificateEntries).To(HaveLen(2))
		Expect(crl.RevokedCertificateEntries[0].ReasonCode).To(Equal(1))
		Expect(crl.RevokedCertificateEntries[0].RevocationTime.Equal(at)).To(BeTrue())

		back, err := signer.ParseCRL(signer.EncodeCRL(crl))
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Number.Uint64()).To(Equal(uint64(7)))
	})

	It("detects CSRs that ask to be a CA", func() {
		key, err := eng.GenerateKey(2048)
		Expect(err).NotTo(HaveOccurred())
		plain, err := eng.CreateCSR(key, pkix.Name{CommonName: "plain"}, profile.SANSet{})
		Expect(err).NotTo(HaveOccurred())
		Expect(signer.RequestsCA(plain)).To(BeFalse())
	})
})

var _ = Describe("PEM helpers", func() {
	It("parses every certificate of a chain in order", func() {
		other, _, err := testutil.GenerateTestCA("Other")
		Expect(err).NotTo(HaveOccurred())
		chain := append(signer.EncodeCert(caCert), signer.EncodeCert(other)...)

		certs, err := signer.ParseCerts(chain)
		Expect(err).NotTo(HaveOccurred())
		Expect(certs).To(HaveLen(2))
		Expect(certs[0].Subject.CommonName).To(Equal("Signer Test CA"))
		Expect(certs[1].Subject.CommonName).To(Equal("Other"))
	})

	It("reports missing PEM data", func() {
		_, err := signer.ParseCert([]byte("garbage"))
		Expect(errors.Is(err, signer.ErrNoPEM)).To(BeTrue())
		_, err = signer.ParseCSR(nil)
		Expect(errors.Is(err, signer.ErrNoPEM)).To(BeTrue())
	})
})
