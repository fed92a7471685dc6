// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package config loads and validates the tool configuration.

The configuration lives at <home>/nodepilot.yaml. A missing file is not an
error: the first run writes the defaults out so the user has something to
edit. Unknown keys are rejected so a typo fails loudly instead of silently
falling back to a default.
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file name under the tool home.
const FileName = "nodepilot.yaml"

// DefaultHomeDir is the tool home relative to the user home directory.
const DefaultHomeDir = ".nodepilot"

// Log configures logging output.
type Log struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir is where log files are written. Empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON switches console output to JSON lines.
	JSON bool `yaml:"json"`
}

// Health configures container readiness polling.
type Health struct {
	// IntervalSeconds between state polls.
	IntervalSeconds int `yaml:"interval_seconds" validate:"min=1,max=60"`

	// TimeoutSeconds for the whole readiness wait.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1,max=3600"`
}

// Metrics configures the metrics-sync integration.
type Metrics struct {
	// ReloadURL is the collector's config-reload endpoint. Empty skips
	// the reload after a scrape-config replacement.
	ReloadURL string `yaml:"reload_url" validate:"omitempty,url"`
}

// Config is the full tool configuration.
type Config struct {
	// Home is the tool home directory holding the registry, per-instance
	// directories, and this file.
	Home string `yaml:"home" validate:"required"`

	Log     Log     `yaml:"log"`
	Health  Health  `yaml:"health"`
	Metrics Metrics `yaml:"metrics"`
}

// Interval returns the health poll interval as a duration.
func (h Health) Interval() time.Duration { return time.Duration(h.IntervalSeconds) * time.Second }

// Timeout returns the health wait timeout as a duration.
func (h Health) Timeout() time.Duration { return time.Duration(h.TimeoutSeconds) * time.Second }

// Default returns the configuration used when no file exists.
func Default(home string) *Config {
	return &Config{
		Home: home,
		Log: Log{
			Level: "info",
		},
		Health: Health{
			IntervalSeconds: 2,
			TimeoutSeconds:  90,
		},
	}
}

// DefaultHome resolves the default tool home under the user home directory.
func DefaultHome() (string, error) {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home: %w", err)
	}
	return filepath.Join(userHome, DefaultHomeDir), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration from <home>/nodepilot.yaml.
//
// # Description
//
// A missing file yields Default(home), written out so the user has a
// file to edit on later runs. A present file is strict-decoded (unknown
// keys are errors), merged over the defaults, and validated.
//
// # Error Conditions
//
//   - unreadable file, malformed YAML, unknown keys
//   - field validation failures (bad level, out-of-range timings)
//   - home directory not writable on first run
func Load(home string) (*Config, error) {
	cfg := Default(home)

	data, err := os.ReadFile(filepath.Join(home, FileName))
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("writing initial config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Home == "" {
		cfg.Home = home
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to <home>/nodepilot.yaml, creating the
// home directory if needed.
func Save(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Home, 0o750); err != nil {
		return fmt.Errorf("creating home: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cfg.Home, FileName), buf.Bytes(), 0o640)
}
