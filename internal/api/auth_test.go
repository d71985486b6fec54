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

package api_test

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/api"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/signer"
	"github.com/tvaughan/deptca/internal/testutil"
)

// getAs issues a GET with cert presented as the TLS peer; nil means no TLS.
func getAs(h http.Handler, path string, cert *x509.Certificate) int {
	req := httptest.NewRequest("GET", path, nil)
	if cert != nil {
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

var _ = Describe("Auth middleware", func() {
	var mux http.Handler

	BeforeEach(func() {
		server := api.New(myCA)
		server.AuthConfig = &api.AuthConfig{AllowList: map[string]bool{"admin": true}}
		mux = server.Routes()
	})

	It("leaves probes and public artifacts open", func() {
		for _, path := range []string{"/healthz/live", "/v1/bundle", "/v1/authorities/hq/crl", "/v1/authorities/root/certificate"} {
			Expect(getAs(mux, path, nil)).To(Equal(http.StatusOK), path)
		}
	})

	It("requires a client certificate elsewhere", func() {
		Expect(getAs(mux, "/v1/authorities", nil)).To(Equal(http.StatusForbidden))
		Expect(getAs(mux, "/v1/certificates/hq-1001", nil)).To(Equal(http.StatusForbidden))
	})

	It("lets any valid client list authorities", func() {
		Expect(getAs(mux, "/v1/authorities", aliceCert)).To(Equal(http.StatusOK))
		Expect(getAs(mux, "/v1/authorities/hq", aliceCert)).To(Equal(http.StatusOK))
	})

	It("lets a client read only its own certificate", func() {
		Expect(getAs(mux, "/v1/certificates/hq-1001", aliceCert)).To(Equal(http.StatusOK))
		Expect(getAs(mux, "/v1/certificates/hq-1000", aliceCert)).To(Equal(http.StatusForbidden))
		Expect(getAs(mux, "/v1/authorities/hq/certificates", aliceCert)).To(Equal(http.StatusForbidden))
	})

	It("lets an admin read everything", func() {
		for _, path := range []string{"/v1/certificates/hq-1000", "/v1/authorities/hq/certificates", "/v1/status"} {
			Expect(getAs(mux, path, adminCert)).To(Equal(http.StatusOK), path)
		}
	})

	It("rejects revoked clients", func() {
		Expect(getAs(mux, "/v1/authorities", malloryCert)).To(Equal(http.StatusForbidden))
	})

	It("rejects certificates without clientAuth", func() {
		Expect(getAs(mux, "/v1/authorities", web1Cert)).To(Equal(http.StatusForbidden))
	})

	It("rejects certificates from another CA", func() {
		otherCA, otherKey, err := testutil.GenerateTestCA("Elsewhere")
		Expect(err).NotTo(HaveOccurred())
		csrPEM, _, err := testutil.GenerateCSR("admin")
		Expect(err).NotTo(HaveOccurred())
		csr, err := signer.ParseCSR(csrPEM)
		Expect(err).NotTo(HaveOccurred())
		ext, err := profile.Resolve(profile.Client)
		Expect(err).NotTo(HaveOccurred())
		forged, err := signer.New().Sign(otherCA, otherKey, signer.Request{CSR: csr, Serial: 1003, Extensions: ext, ValidityDays: 1})
		Expect(err).NotTo(HaveOccurred())

		Expect(getAs(mux, "/v1/status", forged)).To(Equal(http.StatusForbidden))
	})
})
