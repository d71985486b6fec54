//go:build mage

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
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/caarlos0/env/v11"
)

// ── Namespaces ────────────────────────────────────────────────────────────────

type Build mg.Namespace // build:all  build:fips
type Test mg.Namespace  // test:unit  test:smoke
type Dev mg.Namespace   // dev:check  dev:tidy  dev:clean

// ── types and helpers ─────────────────────────────────────────────────────────

type TestConfig struct {
	Packages string `env:"TEST_PKGS" envDefault:"./..."`
	Race     bool   `env:"RACE" envDefault:"false"`
	Verbose  bool   `env:"VERBOSE" envDefault:"true"`
}

type SmokeConfig struct {
	Binary string `env:"BINARY_PATH" envDefault:"./bin/deptca"`
	CADir  string `env:"SMOKE_CADIR"`
}

func ensureBinDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	return binDir, nil
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// ── build:* ───────────────────────────────────────────────────────────────────

// All compiles deptca to bin/. CGO is required by the sqlite ledger backend.
func (Build) All() error {
	fmt.Println("Building...")
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go", "build",
		"-o", filepath.Join(binDir, exeName("deptca")),
		"./cmd/deptca")
}

// FIPS compiles deptca with GOEXPERIMENT=boringcrypto (Linux/amd64 only).
// Output: bin/deptca-fips.
func (Build) FIPS() error {
	fmt.Println("Building FIPS compliant binary...")
	if runtime.GOOS == "windows" || os.Getenv("GOOS") == "windows" {
		fmt.Println("WARNING: FIPS mode (boringcrypto) requires Linux; building a LINUX binary.")
	}

	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}
	env := map[string]string{
		"GOEXPERIMENT": "boringcrypto",
		"CGO_ENABLED":  "1",
		"GOOS":         "linux",
		"GOARCH":       "amd64",
	}
	return sh.RunWith(env, "go", "build",
		"-o", filepath.Join(binDir, "deptca-fips"),
		"./cmd/deptca")
}

// ── test:* ────────────────────────────────────────────────────────────────────

// Unit runs the unit test suites.
//
// Configuration (via environment variables):
//
//	TEST_PKGS  Packages to test   (default: ./...)
//	RACE       Enable -race       (default: false)
//	VERBOSE    Pass -v            (default: true)
func (Test) Unit() error {
	cfg := TestConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	fmt.Println("Running unit tests...")
	args := []string{"test"}
	if cfg.Verbose {
		args = append(args, "-v")
	}
	if cfg.Race {
		args = append(args, "-race")
	}
	args = append(args, strings.Fields(cfg.Packages)...)
	return sh.RunV("go", args...)
}

// Smoke builds deptca and drives a full lifecycle through the binary: init,
// department creation, issuance, revocation, publish and department
// revocation.
//
// Configuration (via environment variables):
//
//	BINARY_PATH  Binary to run          (default: ./bin/deptca)
//	SMOKE_CADIR  CA directory to use    (default: a fresh temp dir)
func (Test) Smoke() error {
	mg.Deps(Build{}.All)
	cfg := SmokeConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	if cfg.CADir == "" {
		dir, err := os.MkdirTemp("", "deptca-smoke")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.CADir = dir
	}

	vars := map[string]string{
		"DEPTCA_CADIR":       cfg.CADir,
		"DEPTCA_KEY_BITS":    "2048",
		"DEPTCA_CA_KEY_BITS": "2048",
	}
	for _, args := range [][]string{
		{"init"},
		{"dept", "create", "hq"},
		{"issue", "hq", "web1.example", "--profile", "server"},
		{"revoke", "hq", "1000", "--reason", "superseded"},
		{"revoke", "hq", "1000"},
		{"list", "hq"},
		{"publish"},
		{"dept", "revoke", "hq"},
		{"dept", "list"},
		{"status"},
	} {
		fmt.Printf("deptca %s\n", strings.Join(args, " "))
		if err := sh.RunWithV(vars, cfg.Binary, args...); err != nil {
			return err
		}
	}
	return nil
}

// ── dev:* ─────────────────────────────────────────────────────────────────────

// Check verifies formatting, runs go vet, and checks go mod tidy.
// Unlike `go fmt`, gofmt -l prints unformatted files and exits 0 without
// rewriting them; we treat any output as a failure so CI catches drift.
func (Dev) Check() error {
	mg.Deps(Dev{}.Tidy)
	fmt.Println("Running verify...")
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("these files need formatting (run 'go fmt ./...'):\n%s", out)
	}
	return sh.Run("go", "vet", "./...")
}

// Tidy runs go mod tidy.
func (Dev) Tidy() error {
	fmt.Println("Tidying modules...")
	return sh.Run("go", "mod", "tidy")
}

// Clean removes the bin/ directory.
func (Dev) Clean() error {
	fmt.Println("Cleaning...")
	return sh.Rm("bin")
}
