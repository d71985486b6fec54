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

// Package api serves a read-only JSON view of the CA: authorities,
// certificates, CRLs and the trust bundle. Nothing here mutates a ledger.
package api

import (
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tvaughan/deptca/internal/ca"
)

type Server struct {
	CA         *ca.CA
	AuthConfig *AuthConfig
}

func New(c *ca.CA) *Server {
	return &Server{CA: c}
}

// Routes returns the router. Without an AuthConfig every route is open.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Probes and public artifacts.
	r.Group(func(r chi.Router) {
		r.Get("/healthz/live", s.handleLive)
		r.Get("/healthz/ready", s.handleReady)
		r.Get("/v1/bundle", s.handleGetBundle)
		r.Get("/v1/authorities/{id}/crl", s.handleGetCRL)
		r.Get("/v1/authorities/{id}/certificate", s.handleGetAuthorityCert)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.require(tierAnyClient))
		r.Get("/v1/authorities", s.handleListAuthorities)
		r.Get("/v1/authorities/{id}", s.handleGetAuthority)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.require(tierSelfOrAdmin))
		r.Get("/v1/certificates/{ref}", s.handleGetCertificate)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.require(tierAdminOnly))
		r.Get("/v1/authorities/{id}/certificates", s.handleListCertificates)
		r.Get("/v1/status", s.handleGetStatus)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePEM(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(data)
}

// mapError turns a CA error into a status code by its kind.
func mapError(w http.ResponseWriter, err error) {
	kind := ca.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "NotFoundError":
		status = http.StatusNotFound
	case "InvalidRequestError", "InvalidCSRError", "InvalidSANError", "UnknownProfileError":
		status = http.StatusBadRequest
	case "AlreadyRevokedError", "AuthorityExistsError", "InactiveAuthorityError":
		status = http.StatusConflict
	case "MissingRootError", "LockContentionError", "PassphraseRequiredError":
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// --- Authorities ---

func (s *Server) handleListAuthorities(w http.ResponseWriter, r *http.Request) {
	infos, err := s.CA.ListAuthorities()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type AuthorityResponse struct {
	ca.AuthorityInfo
	Counts        *ca.Counts `json:"counts,omitempty"`
	CRLNumber     uint64     `json:"crl_number,omitempty"`
	CRLNextUpdate string     `json:"crl_next_update,omitempty"`
}

func (s *Server) handleGetAuthority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	infos, err := s.CA.ListAuthorities()
	if err != nil {
		mapError(w, err)
		return
	}
	var found *ca.AuthorityInfo
	for i := range infos {
		// An active or revoked directory wins over archives of the same id.
		if infos[i].ID == id && (found == nil || found.State == ca.StateArchived) {
			found = &infos[i]
		}
	}
	if found == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "authority " + id + " not found", Kind: "NotFoundError"})
		return
	}

	resp := AuthorityResponse{AuthorityInfo: *found}
	if found.State != ca.StateArchived {
		counts, err := s.CA.Aggregate(id)
		if err != nil {
			mapError(w, err)
			return
		}
		resp.Counts = &counts
		if _, crl, err := s.CA.CurrentCRL(id); err == nil {
			resp.CRLNumber = crl.Number.Uint64()
			resp.CRLNextUpdate = crl.NextUpdate.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAuthorityCert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ca.ValidateID(id); err != nil {
		mapError(w, err)
		return
	}
	dir := s.CA.Storage.Authority(id)
	data, err := dir.Read(dir.CertPath())
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "certificate of " + id + " not found", Kind: "NotFoundError"})
		return
	}
	writePEM(w, data)
}

// --- CRL ---

func (s *Server) handleGetCRL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ca.ValidateID(id); err != nil {
		mapError(w, err)
		return
	}

	// Honor If-Modified-Since.
	crlPath := s.CA.Storage.Authority(id).CRLPath()
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			if info, err := s.CA.Storage.Fs().Stat(crlPath); err == nil && !info.ModTime().After(t) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	data, _, err := s.CA.CurrentCRL(id)
	if err != nil {
		mapError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "der" {
		block, _ := pem.Decode(data)
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(block.Bytes)
		return
	}
	writePEM(w, data)
}

// --- Certificates ---

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter, err := ca.ParseCertStatus(r.URL.Query().Get("status"))
	if err != nil {
		mapError(w, err)
		return
	}
	certs, err := s.CA.ListCertificates(id, filter)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	detail, err := s.CA.ShowCertificate(chi.URLParam(r, "ref"))
	if err != nil {
		mapError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "pem" {
		if detail.ArtifactMissing {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "certificate artifact is missing", Kind: "NotFoundError"})
			return
		}
		writePEM(w, []byte(detail.PEM))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	totals, err := s.CA.Totals()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// --- Bundle ---

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.CA.Bundle()
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, b.PEM)
}
