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
	"net/http"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tvaughan/deptca/internal/api"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/storage"
)

var _ = Describe("Health probes", func() {
	It("reports live and ready for an initialised CA", func() {
		mux := api.New(myCA).Routes()
		Expect(get(mux, "/healthz/live").Code).To(Equal(http.StatusOK))
		rr := get(mux, "/healthz/ready")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(ContainSubstring(`"ok"`))
	})

	It("reports not ready without a root", func() {
		dir, err := os.MkdirTemp("", "deptca-api-empty")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		empty, err := ca.New(storage.New(dir), nil, ca.Config{})
		Expect(err).NotTo(HaveOccurred())
		defer empty.Close()

		mux := api.New(empty).Routes()
		Expect(get(mux, "/healthz/live").Code).To(Equal(http.StatusOK))
		rr := get(mux, "/healthz/ready")
		Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(rr.Body.String()).To(ContainSubstring("not_ready"))

		Expect(get(mux, "/v1/bundle").Code).To(Equal(http.StatusServiceUnavailable))
	})
})
