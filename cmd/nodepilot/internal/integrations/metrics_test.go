// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package integrations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

type recordingReloader struct {
	calls int
	err   error
}

func (r *recordingReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

type metricsFixture struct {
	home     string
	reg      *registry.FileStore
	loc      *locate.Locator
	reloader *recordingReloader
	sync     *MetricsSync
}

func newMetricsFixture(t *testing.T) *metricsFixture {
	t.Helper()
	home := t.TempDir()
	reg, err := registry.Open(home, logging.NewTestLogger())
	require.NoError(t, err)
	loc := locate.New(home)
	reloader := &recordingReloader{}
	return &metricsFixture{
		home:     home,
		reg:      reg,
		loc:      loc,
		reloader: reloader,
		sync:     NewMetricsSync(reg, loc, reloader, logging.NewTestLogger()),
	}
}

// register stores an instance and creates its instance directory, like
// the install flow would have.
func (f *metricsFixture) register(t *testing.T, name string, typ service.Type, status service.Status) *service.Instance {
	t.Helper()
	inst := &service.Instance{Name: name, Type: typ, Status: status}
	require.NoError(t, f.reg.Create(inst))
	desc, err := service.Lookup(typ)
	require.NoError(t, err)
	dir, err := f.loc.InstanceDir(name, desc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	return inst
}

func (f *metricsFixture) configPath(t *testing.T, metricsName string) string {
	t.Helper()
	desc, err := service.Lookup(service.TypeMetrics)
	require.NoError(t, err)
	dir, err := f.loc.InstanceDir(metricsName, desc)
	require.NoError(t, err)
	return filepath.Join(dir, ScrapeConfigFileName)
}

func TestMetricsSyncGeneratesTargets(t *testing.T) {
	f := newMetricsFixture(t)
	f.register(t, "monitor", service.TypeMetrics, service.StatusRunning)
	node := f.register(t, "ethnode1", service.TypeEthNode, service.StatusRunning)
	f.register(t, "vero", service.TypeValidator, service.StatusRunning)

	require.NoError(t, f.sync.OnAfterInstall(context.Background(), node))

	data, err := os.ReadFile(f.configPath(t, "monitor"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "ethnode1-execution:6060")
	assert.Contains(t, content, "vero:9010")
	assert.Equal(t, 1, f.reloader.calls)

	// Output must round-trip through the validator it was checked with
	assert.NoError(t, validateScrapeConfig(data))
}

func TestMetricsSyncExcludesRemovingInstances(t *testing.T) {
	f := newMetricsFixture(t)
	f.register(t, "monitor", service.TypeMetrics, service.StatusRunning)
	f.register(t, "ethnode1", service.TypeEthNode, service.StatusInstalling)
	leaving := f.register(t, "ethnode2", service.TypeEthNode, service.StatusInstalling)
	_, err := f.reg.Transition("ethnode2", service.StatusRunning, "")
	require.NoError(t, err)
	_, err = f.reg.Transition("ethnode2", service.StatusRemoving, "")
	require.NoError(t, err)

	require.NoError(t, f.sync.OnBeforeRemove(context.Background(), leaving))

	data, err := os.ReadFile(f.configPath(t, "monitor"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ethnode1-execution:6060")
	assert.NotContains(t, string(data), "ethnode2")
}

func TestMetricsSyncValidationFailureKeepsPrevious(t *testing.T) {
	f := newMetricsFixture(t)
	f.register(t, "monitor", service.TypeMetrics, service.StatusRunning)
	node := f.register(t, "ethnode1", service.TypeEthNode, service.StatusRunning)

	// Seed an active config
	require.NoError(t, f.sync.OnAfterInstall(context.Background(), node))
	previous, err := os.ReadFile(f.configPath(t, "monitor"))
	require.NoError(t, err)
	f.reloader.calls = 0

	// Force validation to fail on the next regeneration
	f.sync.validate = func(data []byte) error { return errors.New("forced") }
	f.register(t, "ethnode2", service.TypeEthNode, service.StatusRunning)
	err = f.sync.OnAfterInstall(context.Background(), &service.Instance{Name: "ethnode2", Type: service.TypeEthNode})
	require.Error(t, err)

	// Active config is byte-for-byte unchanged, no reload, no staging debris
	current, err := os.ReadFile(f.configPath(t, "monitor"))
	require.NoError(t, err)
	assert.Equal(t, previous, current)
	assert.Equal(t, 0, f.reloader.calls)
	_, err = os.Stat(f.configPath(t, "monitor") + ".staging")
	assert.True(t, os.IsNotExist(err))
}

func TestMetricsSyncNoCollectorIsNoop(t *testing.T) {
	f := newMetricsFixture(t)
	node := f.register(t, "ethnode1", service.TypeEthNode, service.StatusRunning)

	require.NoError(t, f.sync.OnAfterInstall(context.Background(), node))
	assert.Equal(t, 0, f.reloader.calls)
}

func TestMetricsSyncDeterministicOrder(t *testing.T) {
	f := newMetricsFixture(t)
	f.register(t, "monitor", service.TypeMetrics, service.StatusRunning)
	f.register(t, "ethnode2", service.TypeEthNode, service.StatusRunning)
	node := f.register(t, "ethnode1", service.TypeEthNode, service.StatusRunning)

	require.NoError(t, f.sync.OnAfterInstall(context.Background(), node))

	data, err := os.ReadFile(f.configPath(t, "monitor"))
	require.NoError(t, err)
	first := strings.Index(string(data), "ethnode1")
	second := strings.Index(string(data), "ethnode2")
	require.Greater(t, first, -1)
	require.Greater(t, second, -1)
	assert.Less(t, first, second, "jobs should be sorted by instance name")
}

func TestValidateScrapeConfig(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid",
			input: "global:\n  scrape_interval: 15s\nscrape_configs:\n  - job_name: a\n    static_configs:\n      - targets: [\"x:1\"]\n",
		},
		{
			name:    "not yaml",
			input:   "{not yaml",
			wantErr: true,
		},
		{
			name:    "empty job name",
			input:   "global:\n  scrape_interval: 15s\nscrape_configs:\n  - job_name: \"\"\n    static_configs: []\n",
			wantErr: true,
		},
		{
			name:    "duplicate job name",
			input:   "global:\n  scrape_interval: 15s\nscrape_configs:\n  - job_name: a\n    static_configs: []\n  - job_name: a\n    static_configs: []\n",
			wantErr: true,
		},
		{
			name:    "unknown field",
			input:   "global:\n  scrape_interval: 15s\nbogus: true\nscrape_configs: []\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScrapeConfig([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
