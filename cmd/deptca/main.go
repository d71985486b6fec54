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

// deptca manages a two-tier certificate authority: one root and one
// intermediate CA per department, each with its own ledger and CRL.
//
// Usage:
//
//	deptca [global-flags] <command> [flags]
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tvaughan/deptca/internal/ca"
	"github.com/tvaughan/deptca/internal/storage"
	"golang.org/x/term"
)

// app carries the resolved configuration and the lazily opened CA shared by
// every command of one invocation.
type app struct {
	cfg        *config
	configFile string
	jsonOut    bool
	askPass    bool
	out        io.Writer

	logCloser io.Closer
	ca        *ca.CA
}

func main() {
	a := &app{out: os.Stdout}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		reportFailure(err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		caDir       string
		publishDir  string
		backend     string
		verbosity   int
		logFile     string
		autoPublish bool
	)

	root := &cobra.Command{
		Use:           "deptca",
		Short:         "Department certificate authority",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// --- Config loading (file → env → CLI flags) ---
			cfg, err := loadConfig(resolveConfigFile(a.configFile, configEnvVar, defaultConfigFile))
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("cadir") {
				cfg.CADir = caDir
			}
			if f.Changed("publish-dir") {
				cfg.PublishDir = publishDir
			}
			if f.Changed("backend") {
				cfg.Backend = backend
			}
			if f.Changed("verbosity") {
				cfg.Verbosity = verbosity
			}
			if f.Changed("logfile") {
				cfg.LogFile = logFile
			}
			if f.Changed("auto-publish") {
				cfg.AutoPublish = autoPublish
			}
			a.cfg = cfg

			closer, err := setupLogging(cfg.Verbosity, cfg.LogFile)
			if err != nil {
				return err
			}
			a.logCloser = closer

			if cfg.CADir == "" {
				return fmt.Errorf("--cadir is required (or set %sCADIR / cadir in config file)", envPrefix)
			}
			if a.askPass {
				pass, err := promptPassphrase("CA key passphrase: ")
				if err != nil {
					return err
				}
				cfg.Passphrase = string(pass)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Path to YAML config file (default: "+defaultConfigFile+" if it exists)")
	pf.StringVar(&caDir, "cadir", "", "CA directory (or set "+envPrefix+"CADIR)")
	pf.StringVar(&publishDir, "publish-dir", "", "Directory for published artifacts (default: <cadir>/publish)")
	pf.StringVar(&backend, "backend", ca.BackendBolt, "Ledger backend: bolt or sqlite")
	pf.IntVarP(&verbosity, "verbosity", "v", 0, "Verbosity: 0=Info 1=Debug 2=Trace")
	pf.StringVar(&logFile, "logfile", "", "Write JSON logs to this file")
	pf.BoolVar(&autoPublish, "auto-publish", false, "Publish the bundle and CRLs after every change")
	pf.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")
	pf.BoolVar(&a.askPass, "ask-pass", false, "Prompt for the CA key passphrase")

	root.AddCommand(
		newInitCmd(a),
		newImportCmd(a),
		newDeptCmd(a),
		newIssueCmd(a),
		newSignCmd(a),
		newRevokeCmd(a),
		newCRLCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newStatusCmd(a),
		newPublishCmd(a),
		newServeCmd(a),
	)
	return root
}

// open returns the CA for the configured directory, opening it on first use.
func (a *app) open() (*ca.CA, error) {
	if a.ca != nil {
		return a.ca, nil
	}
	dir, err := filepath.Abs(a.cfg.CADir)
	if err != nil {
		return nil, fmt.Errorf("resolving --cadir: %w", err)
	}
	c, err := ca.New(storage.New(dir), nil, a.cfg.caConfig())
	if err != nil {
		return nil, err
	}
	a.ca = c
	return c, nil
}

func (a *app) close() {
	if a.ca != nil {
		if err := a.ca.Close(); err != nil {
			slog.Warn("Failed to close ledgers", "error", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// changed runs after every successful mutation.
func (a *app) changed(c *ca.CA) error {
	if !a.cfg.AutoPublish {
		return nil
	}
	res, err := c.Publish()
	if err != nil {
		if errors.Is(err, ca.ErrMissingRoot) {
			return nil
		}
		return fmt.Errorf("auto-publish: %w", err)
	}
	slog.Info("Published", "dir", res.Dir, "departments", len(res.Departments))
	return nil
}

// emit prints v as JSON with --json, otherwise calls human.
func (a *app) emit(v any, human func(w io.Writer)) error {
	if a.jsonOut {
		return printJSON(a.out, v)
	}
	human(a.out)
	return nil
}

func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}
