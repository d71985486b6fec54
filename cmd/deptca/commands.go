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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/profile"
)

type authoritySummary struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Subject  string `json:"subject"`
	Serial   uint64 `json:"serial"`
	NotAfter string `json:"not_after"`
	Dir      string `json:"dir"`
}

func summarize(au *ca.Authority) authoritySummary {
	return authoritySummary{
		ID:       au.ID,
		Role:     string(au.Role),
		Subject:  au.Cert.Subject.String(),
		Serial:   au.Cert.SerialNumber.Uint64(),
		NotAfter: formatTime(au.Cert.NotAfter),
		Dir:      au.Dir().Dir(),
	}
}

func (s authoritySummary) print(w io.Writer) {
	printKV(w, [][2]string{
		{"Authority", s.ID},
		{"Role", s.Role},
		{"Subject", s.Subject},
		{"Serial", strconv.FormatUint(s.Serial, 10)},
		{"Not after", s.NotAfter},
		{"Directory", s.Dir},
	})
}

// ---------- init / import ----------

func newInitCmd(a *app) *cobra.Command {
	var cn string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the root CA, or load it if it already exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("cn") {
				cn = a.cfg.RootCN
			}
			c, err := a.open()
			if err != nil {
				return err
			}
			root, err := c.Init(cn)
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			s := summarize(root)
			return a.emit(s, s.print)
		},
	}
	cmd.Flags().StringVar(&cn, "cn", ca.DefaultRootCN, "Common name of the root certificate")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var certBundle, privateKey, crlFile string
	var askKeyPass bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Install an existing CA certificate and key as the root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, err := os.ReadFile(certBundle)
			if err != nil {
				return fmt.Errorf("reading --cert-bundle: %w", err)
			}
			keyPEM, err := os.ReadFile(privateKey)
			if err != nil {
				return fmt.Errorf("reading --private-key: %w", err)
			}
			var crlPEM []byte
			if crlFile != "" {
				if crlPEM, err = os.ReadFile(crlFile); err != nil {
					return fmt.Errorf("reading --crl: %w", err)
				}
			}
			var keyPass []byte
			if askKeyPass {
				if keyPass, err = promptPassphrase("Imported key passphrase: "); err != nil {
					return err
				}
			}

			c, err := a.open()
			if err != nil {
				return err
			}
			root, err := c.ImportRoot(certPEM, keyPEM, keyPass, crlPEM)
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			s := summarize(root)
			return a.emit(s, s.print)
		},
	}
	f := cmd.Flags()
	f.StringVar(&certBundle, "cert-bundle", "", "CA certificate PEM, optionally followed by its chain (required)")
	f.StringVar(&privateKey, "private-key", "", "CA private key PEM (required)")
	f.StringVar(&crlFile, "crl", "", "Current CRL of the CA; numbering continues after it")
	f.BoolVar(&askKeyPass, "ask-key-pass", false, "Prompt for the passphrase of --private-key")
	cmd.MarkFlagRequired("cert-bundle")
	cmd.MarkFlagRequired("private-key")
	return cmd
}

// ---------- dept ----------

func newDeptCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dept",
		Short: "Manage department CAs",
	}

	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a department CA signed by the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			dept, err := c.CreateDepartment(args[0])
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			s := summarize(dept)
			return a.emit(s, s.print)
		},
	}

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a department, every certificate it issued, and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ledger.ParseReason(reason)
			if err != nil {
				return err
			}
			c, err := a.open()
			if err != nil {
				return err
			}
			res, err := c.RevokeDepartment(args[0], r)
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				printKV(w, [][2]string{
					{"Department", res.Department},
					{"Certificates revoked", strconv.Itoa(len(res.Revoked))},
					{"Already revoked", strconv.Itoa(res.AlreadyRevoked)},
					{"Department CRL", crlNumber(res.CRLNumber)},
					{"Root serial", strconv.FormatUint(res.RootSerial, 10)},
					{"Root CRL", crlNumber(res.RootCRLNumber)},
					{"Archived to", res.ArchivePath},
				})
			})
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "", "Reason recorded on the root entry (default: cessationOfOperation)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the root, departments and archived departments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			infos, err := c.ListAuthorities()
			if err != nil {
				return err
			}
			return a.emit(infos, func(w io.Writer) {
				rows := make([][]string, len(infos))
				for i, in := range infos {
					rows[i] = []string{in.ID, string(in.Role), string(in.State), string(in.Integrity), formatTime(in.NotAfter), in.Subject}
				}
				printTable(w, []string{"ID", "ROLE", "STATE", "INTEGRITY", "NOT AFTER", "SUBJECT"}, rows)
			})
		},
	}

	cmd.AddCommand(create, revoke, list)
	return cmd
}

func crlNumber(n uint64) string {
	if n == 0 {
		return "unchanged"
	}
	return strconv.FormatUint(n, 10)
}

// ---------- issue / sign ----------

type issuedOutput struct {
	ID        string   `json:"id"`
	Authority string   `json:"authority"`
	Serial    uint64   `json:"serial"`
	Subject   string   `json:"subject"`
	SANs      []string `json:"sans,omitempty"`
	NotAfter  string   `json:"not_after"`
	Cert      string   `json:"cert"`
	FullChain string   `json:"fullchain"`
	Key       string   `json:"key,omitempty"`
	CSR       string   `json:"csr,omitempty"`
}

func (a *app) emitIssued(is *ca.Issued) error {
	out := issuedOutput{
		ID:        is.Ref(),
		Authority: is.Authority,
		Serial:    is.Serial,
		Subject:   is.Entry.Subject,
		SANs:      profile.FromCert(is.Cert).Strings(),
		NotAfter:  formatTime(is.Cert.NotAfter),
		Cert:      is.CertPath,
		FullChain: is.FullChainPath,
		Key:       is.KeyPath,
		CSR:       is.CSRPath,
	}
	return a.emit(out, func(w io.Writer) {
		rows := [][2]string{
			{"ID", out.ID},
			{"Subject", out.Subject},
			{"SANs", strings.Join(out.SANs, ", ")},
			{"Not after", out.NotAfter},
			{"Certificate", out.Cert},
			{"Full chain", out.FullChain},
		}
		if out.Key != "" {
			rows = append(rows, [2]string{"Private key", out.Key})
		}
		printKV(w, rows)
	})
}

func newIssueCmd(a *app) *cobra.Command {
	var prof string
	var sans []string
	cmd := &cobra.Command{
		Use:   "issue <authority> <common-name>",
		Short: "Generate a key and issue a certificate for it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			is, err := c.IssueNew(args[0], prof, args[1], sans)
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			return a.emitIssued(is)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&prof, "profile", "p", profile.Default, "Profile: "+strings.Join(profile.Names(), ", "))
	f.StringSliceVar(&sans, "san", nil, "Subject alternative name (DNS:, IP:, email:, URI:); repeatable")
	return cmd
}

func newSignCmd(a *app) *cobra.Command {
	var prof string
	var sans []string
	cmd := &cobra.Command{
		Use:   "sign <authority> <csr-file>",
		Short: "Issue a certificate for an existing CSR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			csrPEM, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading CSR: %w", err)
			}
			c, err := a.open()
			if err != nil {
				return err
			}
			is, err := c.IssueFromCSR(args[0], prof, csrPEM, sans)
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			return a.emitIssued(is)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&prof, "profile", "p", profile.Default, "Profile: "+strings.Join(profile.Names(), ", "))
	f.StringSliceVar(&sans, "san", nil, "Additional subject alternative name; repeatable")
	return cmd
}

// ---------- revoke / crl ----------

func newRevokeCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <authority> <serial|cert-path>",
		Short: "Revoke one certificate and regenerate the CRL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ledger.ParseReason(reason)
			if err != nil {
				return err
			}
			c, err := a.open()
			if err != nil {
				return err
			}
			res, err := c.RevokeCertificate(args[0], args[1], r)
			if ca.Benign(err) {
				slog.Warn("Certificate was already revoked", "authority", args[0], "certificate", args[1])
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}
			if err := a.changed(c); err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				printKV(w, [][2]string{
					{"Revoked", ca.Ref(res.Authority, res.Serial)},
					{"Reason", res.Reason.String()},
					{"CRL number", strconv.FormatUint(res.CRLNumber, 10)},
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason (e.g. keyCompromise, superseded)")
	return cmd
}

func newCRLCmd(a *app) *cobra.Command {
	var regenerate, asPEM bool
	cmd := &cobra.Command{
		Use:   "crl <authority>",
		Short: "Show, print or regenerate an authority's CRL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			if regenerate {
				if _, err := c.RegenerateCRL(args[0]); err != nil {
					return err
				}
				if err := a.changed(c); err != nil {
					return err
				}
			}
			data, crl, err := c.CurrentCRL(args[0])
			if err != nil {
				return err
			}
			if asPEM {
				_, err := a.out.Write(data)
				return err
			}

			out := struct {
				Authority  string `json:"authority"`
				Number     uint64 `json:"number"`
				ThisUpdate string `json:"this_update"`
				NextUpdate string `json:"next_update"`
				Revoked    int    `json:"revoked"`
				Issuer     string `json:"issuer"`
			}{
				Authority:  args[0],
				Number:     crl.Number.Uint64(),
				ThisUpdate: formatTime(crl.ThisUpdate),
				NextUpdate: formatTime(crl.NextUpdate),
				Revoked:    len(crl.RevokedCertificateEntries),
				Issuer:     crl.Issuer.String(),
			}
			return a.emit(out, func(w io.Writer) {
				printKV(w, [][2]string{
					{"Authority", out.Authority},
					{"Issuer", out.Issuer},
					{"CRL number", strconv.FormatUint(out.Number, 10)},
					{"This update", out.ThisUpdate},
					{"Next update", out.NextUpdate},
					{"Revoked entries", strconv.Itoa(out.Revoked)},
				})
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Sign a fresh CRL with the next CRL number")
	cmd.Flags().BoolVar(&asPEM, "pem", false, "Print the CRL PEM instead of a summary")
	return cmd
}

// ---------- queries ----------

func newListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <authority>",
		Short: "List the certificates issued by an authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ca.ParseCertStatus(status)
			if err != nil {
				return err
			}
			c, err := a.open()
			if err != nil {
				return err
			}
			certs, err := c.ListCertificates(args[0], filter)
			if err != nil {
				return err
			}
			return a.emit(certs, func(w io.Writer) {
				rows := make([][]string, len(certs))
				for i, ci := range certs {
					rows[i] = []string{ci.ID, string(ci.Status), formatTime(ci.Expiry), ci.CommonName, ci.ReasonName}
				}
				printTable(w, []string{"ID", "STATUS", "EXPIRES", "COMMON NAME", "REASON"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show valid, revoked or expired certificates")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var asPEM bool
	cmd := &cobra.Command{
		Use:   "show <authority>-<serial>",
		Short: "Show one certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			d, err := c.ShowCertificate(args[0])
			if err != nil {
				return err
			}
			if asPEM {
				if d.ArtifactMissing {
					return fmt.Errorf("certificate file %s is missing", d.Path)
				}
				_, err := io.WriteString(a.out, d.PEM)
				return err
			}
			return a.emit(d, func(w io.Writer) {
				rows := [][2]string{
					{"ID", d.ID},
					{"Status", string(d.Status)},
					{"Subject", d.Subject},
					{"Expires", formatTime(d.Expiry)},
				}
				if d.Status == ca.CertRevoked {
					rows = append(rows, [2]string{"Revoked at", formatTime(d.RevokedAt)}, [2]string{"Reason", d.ReasonName})
				}
				if d.ArtifactMissing {
					rows = append(rows, [2]string{"Certificate", d.Path + " (missing)"})
				} else {
					rows = append(rows,
						[2]string{"Issuer", d.Issuer},
						[2]string{"SANs", strings.Join(d.SANs, ", ")},
						[2]string{"Key usage", strings.Join(d.ExtKeyUsage, ", ")},
						[2]string{"SHA-256", d.Fingerprint},
						[2]string{"Certificate", d.Path},
					)
				}
				printKV(w, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asPEM, "pem", false, "Print the certificate PEM")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise valid, revoked and expired certificates per authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			totals, err := c.Totals()
			if err != nil {
				return err
			}
			return a.emit(totals, func(w io.Writer) {
				row := func(id string, n ca.Counts) []string {
					return []string{id, strconv.Itoa(n.Valid), strconv.Itoa(n.Revoked), strconv.Itoa(n.Expired)}
				}
				rows := make([][]string, 0, len(totals.Authorities)+1)
				for _, ac := range totals.Authorities {
					rows = append(rows, row(ac.ID, ac.Counts))
				}
				rows = append(rows, row("TOTAL", totals.Total))
				printTable(w, []string{"AUTHORITY", "VALID", "REVOKED", "EXPIRED"}, rows)
			})
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Write the trust bundle and every CRL to the publish directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			res, err := c.Publish()
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				printKV(w, [][2]string{
					{"Bundle", res.BundlePath},
					{"CRL bundle", res.CRLBundlePath},
					{"Departments", strings.Join(res.Departments, ", ")},
					{"CRLs written", strconv.Itoa(len(res.CRLs))},
				})
				for _, id := range res.Skipped {
					fmt.Fprintf(w, "Skipped %s: certificate missing or unreadable\n", id)
				}
			})
		},
	}
}
