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

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tvaughan/deptca/internal/api"
	"github.com/tvaughan/deptca/internal/signer"
)

// isLoopback reports whether host is a loopback address (127.x.x.x, ::1, or
// "localhost").
func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func newServeCmd(a *app) *cobra.Command {
	var (
		host          string
		port          int
		tlsCert       string
		tlsKey        string
		admins        []string
		noTLSRequired bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f := cmd.Flags()
			if f.Changed("host") {
				cfg.Host = host
			}
			if f.Changed("port") {
				cfg.Port = port
			}
			if f.Changed("tls-cert") {
				cfg.TLSCert = tlsCert
			}
			if f.Changed("tls-key") {
				cfg.TLSKey = tlsKey
			}
			if f.Changed("admin") {
				cfg.Admins = strings.Join(admins, ",")
			}
			if f.Changed("no-tls-required") {
				cfg.NoTLSRequired = noTLSRequired
			}

			// Without TLS there are no client identities, so every route is
			// open. Only allow that where nobody else can connect.
			tlsConfigured := cfg.TLSCert != "" && cfg.TLSKey != ""
			if !tlsConfigured && !isLoopback(cfg.Host) {
				if !cfg.NoTLSRequired {
					return errors.New("refusing to serve plain HTTP on a non-loopback address; " +
						"set --tls-cert/--tls-key, bind to 127.0.0.1, or pass --no-tls-required")
				}
				slog.Warn("TLS is not configured on a non-loopback address; the API is unauthenticated")
			}

			c, err := a.open()
			if err != nil {
				return err
			}
			srv := api.New(c)

			addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
			server := &http.Server{
				Addr:              addr,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
				MaxHeaderBytes:    1 << 20,
			}

			if tlsConfigured {
				serverCert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
				if err != nil {
					return fmt.Errorf("loading TLS cert/key: %w", err)
				}
				pool := x509.NewCertPool()
				if b, err := c.Bundle(); err == nil {
					if certs, err := signer.ParseCerts(b.PEM); err == nil {
						for _, cert := range certs {
							pool.AddCert(cert)
						}
					}
				}
				// Chains are verified per request against the live bundle,
				// so revoked departments drop out without a restart.
				server.TLSConfig = &tls.Config{
					Certificates: []tls.Certificate{serverCert},
					ClientCAs:    pool,
					ClientAuth:   tls.RequestClientCert,
					MinVersion:   tls.VersionTLS12,
				}
				srv.AuthConfig = &api.AuthConfig{AllowList: cfg.adminList()}
			}
			server.Handler = srv.Routes()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				slog.Info("Listening", "address", addr, "tls", tlsConfigured)
				if tlsConfigured {
					errCh <- server.ListenAndServeTLS("", "")
				} else {
					errCh <- server.ListenAndServe()
				}
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				slog.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&host, "host", "127.0.0.1", "Address to listen on")
	fl.IntVar(&port, "port", 8443, "Port to listen on")
	fl.StringVar(&tlsCert, "tls-cert", "", "TLS server certificate PEM (enables HTTPS and client authentication)")
	fl.StringVar(&tlsKey, "tls-key", "", "TLS server private key PEM")
	fl.StringSliceVar(&admins, "admin", nil, "Client certificate CN with full read access; repeatable")
	fl.BoolVar(&noTLSRequired, "no-tls-required", false, "Allow plain HTTP on non-loopback addresses")
	return cmd
}
