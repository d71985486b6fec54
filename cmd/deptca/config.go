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
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tvaughan/deptca/internal/ca"
	"go.yaml.in/yaml/v3"
)

const (
	envPrefix         = "DEPTCA_"
	configEnvVar      = envPrefix + "CONFIG"
	defaultConfigFile = "/etc/deptca/config.yaml"
)

// config holds all configuration for deptca.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type config struct {
	CADir          string        `yaml:"cadir" env:"CADIR"`
	PublishDir     string        `yaml:"publish_dir" env:"PUBLISH_DIR"`
	Backend        string        `yaml:"backend" env:"BACKEND"`
	LockTimeout    time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	KeyBits        int           `yaml:"key_bits" env:"KEY_BITS"`
	CAKeyBits      int           `yaml:"ca_key_bits" env:"CA_KEY_BITS"`
	LeafDays       int           `yaml:"leaf_days" env:"LEAF_DAYS"`
	DepartmentDays int           `yaml:"department_days" env:"DEPARTMENT_DAYS"`
	RootDays       int           `yaml:"root_days" env:"ROOT_DAYS"`
	CRLDays        int           `yaml:"crl_days" env:"CRL_DAYS"`
	RootCN         string        `yaml:"root_cn" env:"ROOT_CN"`
	Organization   string        `yaml:"organization" env:"ORGANIZATION"`
	Verbosity      int           `yaml:"verbosity" env:"VERBOSITY"`
	LogFile        string        `yaml:"logfile" env:"LOGFILE"`
	AutoPublish    bool          `yaml:"auto_publish" env:"AUTO_PUBLISH"`

	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	TLSCert       string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey        string `yaml:"tls_key" env:"TLS_KEY"`
	Admins        string `yaml:"admins" env:"ADMINS"`
	NoTLSRequired bool   `yaml:"no_tls_required" env:"NO_TLS_REQUIRED"`

	// Passphrase is only read from the environment or a prompt.
	Passphrase string `yaml:"-" env:"PASSPHRASE"`
}

func defaultConfig() *config {
	d := ca.DefaultConfig()
	return &config{
		Backend:        d.Backend,
		LockTimeout:    d.LockTimeout,
		KeyBits:        d.KeyBits,
		CAKeyBits:      d.CAKeyBits,
		LeafDays:       d.LeafDays,
		DepartmentDays: d.DepartmentDays,
		RootDays:       d.RootDays,
		CRLDays:        int(d.CRLValidity / (24 * time.Hour)),
		RootCN:         ca.DefaultRootCN,
		Host:           "127.0.0.1",
		Port:           8443,
	}
}

// loadConfig applies built-in defaults, optionally loads a YAML config file,
// then overlays DEPTCA_* environment variables. configFile may be "" to skip
// file loading.
func loadConfig(configFile string) (*config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing %s* environment: %w", envPrefix, err)
	}
	return cfg, nil
}

// caConfig translates the CLI configuration into CA policy.
func (c *config) caConfig() ca.Config {
	out := ca.Config{
		Backend:        c.Backend,
		LockTimeout:    c.LockTimeout,
		KeyBits:        c.KeyBits,
		CAKeyBits:      c.CAKeyBits,
		LeafDays:       c.LeafDays,
		DepartmentDays: c.DepartmentDays,
		RootDays:       c.RootDays,
		CRLValidity:    time.Duration(c.CRLDays) * 24 * time.Hour,
		Organization:   c.Organization,
		PublishDir:     c.PublishDir,
	}
	if c.Passphrase != "" {
		out.Passphrase = []byte(c.Passphrase)
	}
	return out
}

// adminList splits the comma-separated admin CNs.
func (c *config) adminList() map[string]bool {
	allow := map[string]bool{}
	for _, cn := range strings.Split(c.Admins, ",") {
		if cn = strings.TrimSpace(cn); cn != "" {
			allow[cn] = true
		}
	}
	return allow
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}
