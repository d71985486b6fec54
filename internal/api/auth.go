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

package api

import (
	"crypto/x509"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/signer"
)

// AuthConfig enables mTLS authorization. Nil means no enforcement (plain
// HTTP / dev mode).
type AuthConfig struct {
	// AllowList holds the common names of admin clients.
	AllowList map[string]bool
}

var (
	errRevokedClient = errors.New("client certificate is revoked")
	errNotALeaf      = errors.New("client presented an authority certificate")
)

type authTier int

const (
	tierAnyClient   authTier = iota // any unrevoked certificate from this CA
	tierSelfOrAdmin                 // the certificate being queried, or an admin
	tierAdminOnly                   // admin CN only
)

// client is the verified identity behind a request.
type client struct {
	cn  string
	ref string
}

// require returns middleware enforcing tier. Routes outside any tier are
// public.
func (s *Server) require(tier authTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.AuthConfig == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				http.Error(w, "client certificate required", http.StatusForbidden)
				return
			}
			cl, err := s.identify(r.TLS.PeerCertificates[0])
			if err != nil {
				slog.Debug("Auth: client rejected", "cn", r.TLS.PeerCertificates[0].Subject.CommonName, "error", err)
				http.Error(w, "access denied", http.StatusForbidden)
				return
			}

			admin := s.AuthConfig.AllowList[cl.cn]
			switch {
			case tier == tierAnyClient, admin:
				next.ServeHTTP(w, r)
			case tier == tierSelfOrAdmin && chi.URLParam(r, "ref") == cl.ref:
				next.ServeHTTP(w, r)
			default:
				http.Error(w, "access denied", http.StatusForbidden)
			}
		})
	}
}

// identify verifies cert against the current trust bundle and checks the
// issuing authority's ledger for revocation.
func (s *Server) identify(cert *x509.Certificate) (*client, error) {
	b, err := s.CA.Bundle()
	if err != nil {
		return nil, err
	}
	certs, err := signer.ParseCerts(b.PEM)
	if err != nil {
		return nil, err
	}
	roots, intermediates := x509.NewCertPool(), x509.NewCertPool()
	roots.AddCert(certs[0])
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, err
	}
	if len(chains[0]) < 2 {
		return nil, errNotALeaf
	}

	authority := ca.RootID
	if issuer := chains[0][1]; !issuer.Equal(certs[0]) && len(issuer.Subject.OrganizationalUnit) > 0 {
		authority = issuer.Subject.OrganizationalUnit[0]
	}
	serial := cert.SerialNumber.Uint64()
	revoked, err := s.CA.IsRevoked(authority, serial)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errRevokedClient
	}
	return &client{cn: cert.Subject.CommonName, ref: ca.Ref(authority, serial)}, nil
}
