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

package profile_test

import (
	"crypto/x509"
	"errors"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/profile"
)

var _ = Describe("Resolve", func() {
	DescribeTable("maps each profile to its extended key usages",
		func(name string, want []x509.ExtKeyUsage) {
			set, err := profile.Resolve(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(set.ExtKeyUsage).To(Equal(want))
			Expect(set.KeyUsage & x509.KeyUsageDigitalSignature).NotTo(BeZero())
		},
		Entry("server", "server", []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}),
		Entry("vpn-server", "vpn-server", []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}),
		Entry("client", "client", []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}),
		Entry("vpn", "vpn", []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}),
		Entry("email", "email", []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}),
		Entry("empty defaults to multipurpose", "",
			[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection}),
	)

	It("is deterministic for server", func() {
		for i := 0; i < 3; i++ {
			set, err := profile.Resolve("server")
			Expect(err).NotTo(HaveOccurred())
			Expect(set.ExtKeyUsage).To(ConsistOf(x509.ExtKeyUsageServerAuth))
		}
	})

	It("rejects unknown names", func() {
		_, err := profile.Resolve("bogus")
		Expect(errors.Is(err, profile.ErrUnknownProfile)).To(BeTrue())

		_, err = profile.Resolve("Server")
		Expect(errors.Is(err, profile.ErrUnknownProfile)).To(BeTrue())
	})

	It("does not share the mapping with callers", func() {
		set, _ := profile.Resolve("server")
		set.ExtKeyUsage[0] = x509.ExtKeyUsageCodeSigning
		again, _ := profile.Resolve("server")
		Expect(again.ExtKeyUsage).To(ConsistOf(x509.ExtKeyUsageServerAuth))
	})
})

var _ = Describe("ParseSAN", func() {
	It("accepts the four supported prefixes", func() {
		for raw, want := range map[string]profile.SAN{
			"DNS:web1.example":              {Type: profile.SANDNS, Value: "web1.example"},
			"dns:web1.example":              {Type: profile.SANDNS, Value: "web1.example"},
			"IP:10.0.0.1":                   {Type: profile.SANIP, Value: "10.0.0.1"},
			"email:ops@example.com":         {Type: profile.SANEmail, Value: "ops@example.com"},
			"URI:spiffe://example/web":      {Type: profile.SANURI, Value: "spiffe://example/web"},
			" DNS: padded.example ":         {Type: profile.SANDNS, Value: "padded.example"},
			"IP:2001:db8::1":                {Type: profile.SANIP, Value: "2001:db8::1"},
			"URI:https://example.com/a?b=c": {Type: profile.SANURI, Value: "https://example.com/a?b=c"},
		} {
			san, err := profile.ParseSAN(raw)
			Expect(err).NotTo(HaveOccurred(), raw)
			Expect(san).To(Equal(want), raw)
		}
	})

	It("rejects anything else with ErrInvalidSAN", func() {
		for _, raw := range []string{
			"web1.example",
			"RID:1.2.3",
			"DNS:",
			"IP:not-an-ip",
			"email:nobody",
			"URI:no-scheme",
		} {
			_, err := profile.ParseSAN(raw)
			Expect(errors.Is(err, profile.ErrInvalidSAN)).To(BeTrue(), raw)
		}
	})
})

var _ = Describe("MergeSANs", func() {
	existing := profile.SANSet{
		DNSNames:    []string{"csr.example"},
		IPAddresses: []net.IP{net.ParseIP("10.0.0.1")},
	}

	It("preserves existing SANs when there is no overlay", func() {
		merged, err := profile.MergeSANs(existing, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(merged).To(Equal(existing))
	})

	It("appends overlay entries and skips duplicates", func() {
		merged, err := profile.MergeSANs(existing, []string{"DNS:extra.example", "DNS:csr.example", "IP:10.0.0.1", "email:a@b.c"})
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.DNSNames).To(Equal([]string{"csr.example", "extra.example"}))
		Expect(merged.IPAddresses).To(HaveLen(1))
		Expect(merged.EmailAddresses).To(Equal([]string{"a@b.c"}))
		Expect(existing.DNSNames).To(HaveLen(1))
	})

	It("rejects the whole overlay when one entry is invalid", func() {
		merged, err := profile.MergeSANs(existing, []string{"DNS:ok.example", "X400:nope"})
		Expect(errors.Is(err, profile.ErrInvalidSAN)).To(BeTrue())
		Expect(merged.Empty()).To(BeTrue())
	})

	It("renders entries with their prefixes", func() {
		merged, err := profile.MergeSANs(profile.SANSet{}, []string{"DNS:a.example", "URI:https://a.example"})
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.Strings()).To(Equal([]string{"DNS:a.example", "URI:https://a.example"}))
	})
})
