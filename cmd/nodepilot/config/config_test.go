// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval())
	assert.Equal(t, 90*time.Second, cfg.Health.Timeout())
	assert.Empty(t, cfg.Metrics.ReloadURL)
}

func TestLoadWritesDefaultFileOnFirstRun(t *testing.T) {
	home := t.TempDir()

	first, err := Load(home)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, FileName))

	// The written file round-trips to the same configuration.
	second, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	home := t.TempDir()
	content := `log:
  level: debug
metrics:
  reload_url: http://localhost:9090/-/reload
`
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(content), 0o640))

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://localhost:9090/-/reload", cfg.Metrics.ReloadURL)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Health.IntervalSeconds)
	assert.Equal(t, home, cfg.Home)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	home := t.TempDir()
	content := "log:\n  levell: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(content), 0o640))

	_, err := Load(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "levell")
}

func TestLoadValidatesFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"zero interval", "health:\n  interval_seconds: 0\n"},
		{"bad reload url", "metrics:\n  reload_url: not-a-url\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(tt.content), 0o640))

			_, err := Load(home)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg := Default(home)
	cfg.Log.Level = "warn"
	cfg.Health.TimeoutSeconds = 120

	require.NoError(t, Save(cfg))

	loaded, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Health.IntervalSeconds = 0

	assert.Error(t, Save(cfg))
}

func TestSaveCreatesHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested", "home")

	require.NoError(t, Save(Default(home)))
	assert.FileExists(t, filepath.Join(home, FileName))
}
