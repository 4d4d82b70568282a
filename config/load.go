// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes environment overrides, e.g. CQRPC_SERVER_PORT.
const EnvPrefix = "CQRPC"

// Load returns the defaults overridden by the file at path (when path is
// not empty) and by the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return FromReader(bytes.NewReader(nil))
	}
	return FromFile(path)
}

// FromFile loads config from a specified file overriding the defaults.
func FromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file)
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("processing env vars overrides: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.WriteString("# cqrpc greeter config\n")
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
