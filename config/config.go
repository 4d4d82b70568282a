// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of the greeter commands. Values come
// from defaults, then an optional TOML file, then CQRPC_* environment
// variables, then command-line flags.
package config

import (
	"time"
)

// Config is the root of the TOML document.
type Config struct {
	Server    ServerConfig
	Client    ClientConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig configures cmd/greeter-server.
type ServerConfig struct {
	Port        int
	Workers     int
	MaxInFlight int
	// DebugAddr serves the status page when set, e.g. "localhost:8080".
	DebugAddr   string
	ServerID    string
	ServiceName string
	// DrainTimeout bounds the wait for running calls at shutdown.
	DrainTimeout Duration
}

// ClientConfig configures cmd/greeter-client.
type ClientConfig struct {
	Target     string
	Name       string
	StreamName string
	Timeout    Duration
	Compress   bool
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Stdout exports spans and metrics to stdout.
	Stdout bool
}

// Duration is a time.Duration that reads and writes as a string ("5s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         50051,
			Workers:      1,
			ServiceName:  "helloworld.Greeter",
			DrainTimeout: Duration(10 * time.Second),
		},
		Client: ClientConfig{
			Target:     "localhost:50051",
			Name:       "world",
			StreamName: "sasha",
			Timeout:    Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
