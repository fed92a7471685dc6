// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package integrations

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// ScrapeConfigFileName is the collector configuration file inside a
// metrics instance directory.
const ScrapeConfigFileName = "prometheus.yml"

// =============================================================================
// Reloader
// =============================================================================

// Reloader signals the metrics collector to pick up a replaced
// configuration file.
type Reloader interface {
	Reload(ctx context.Context) error
}

// HTTPReloader POSTs to the collector's lifecycle reload endpoint
// (Prometheus's /-/reload, enabled via --web.enable-lifecycle).
type HTTPReloader struct {
	URL    string
	Client *http.Client
}

// NewHTTPReloader creates a reloader for the given endpoint URL.
func NewHTTPReloader(url string) *HTTPReloader {
	return &HTTPReloader{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reload POSTs the reload request.
func (r *HTTPReloader) Reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("signal reload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reload endpoint returned %s", resp.Status)
	}
	return nil
}

var _ Reloader = (*HTTPReloader)(nil)

// NopReloader is used when no collector is installed yet.
type NopReloader struct{}

// Reload does nothing.
func (NopReloader) Reload(ctx context.Context) error { return nil }

var _ Reloader = NopReloader{}

// =============================================================================
// Scrape Configuration Model
// =============================================================================

// promConfig mirrors the subset of the Prometheus configuration schema
// the engine generates. Generation and validation share this type, so
// the file we write is by construction the file we can parse back.
type promConfig struct {
	Global        promGlobal    `yaml:"global"`
	ScrapeConfigs []scrapeEntry `yaml:"scrape_configs"`
}

type promGlobal struct {
	ScrapeInterval string `yaml:"scrape_interval"`
}

type scrapeEntry struct {
	JobName       string         `yaml:"job_name"`
	StaticConfigs []staticConfig `yaml:"static_configs"`
}

type staticConfig struct {
	Targets []string          `yaml:"targets"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// =============================================================================
// Metrics-sync Adapter
// =============================================================================

// MetricsSync regenerates the collector's scrape configuration from the
// registry snapshot at every lifecycle transition of a monitored type.
//
// # Atomic Replace
//
// The configuration is always regenerated whole, never patched. The new
// file is written to a staging path in the same directory, validated,
// and only then renamed over the active file. If validation fails the
// active configuration is left byte-for-byte unchanged and the
// collector is not signaled to reload.
type MetricsSync struct {
	reg      registry.Store
	loc      *locate.Locator
	reloader Reloader
	log      *logging.Logger

	// validate checks a staged configuration before it replaces the
	// active one. Overridable in tests to force the failure path.
	validate func(data []byte) error
}

var _ Adapter = (*MetricsSync)(nil)

// NewMetricsSync creates the metrics-sync adapter.
func NewMetricsSync(reg registry.Store, loc *locate.Locator, reloader Reloader, log *logging.Logger) *MetricsSync {
	return &MetricsSync{
		reg:      reg,
		loc:      loc,
		reloader: reloader,
		log:      log,
		validate: validateScrapeConfig,
	}
}

// Kind returns the integration kind this adapter serves.
func (s *MetricsSync) Kind() service.IntegrationKind {
	return service.IntegrationMetricsSync
}

// OnAfterInstall regenerates scrape targets including the new instance.
func (s *MetricsSync) OnAfterInstall(ctx context.Context, inst *service.Instance) error {
	return s.sync(ctx)
}

// OnBeforeRemove regenerates scrape targets without the leaving
// instance. The instance is in Removing state by now, which the
// snapshot filter excludes.
func (s *MetricsSync) OnBeforeRemove(ctx context.Context, inst *service.Instance) error {
	return s.sync(ctx)
}

// OnDependencyRemoved regenerates scrape targets; the removed
// dependency's targets disappear with it from the snapshot.
func (s *MetricsSync) OnDependencyRemoved(ctx context.Context, dependent *service.Instance, removed *service.Instance) error {
	return s.sync(ctx)
}

// sync rewrites the scrape configuration of every installed metrics
// instance from the current registry snapshot.
func (s *MetricsSync) sync(ctx context.Context) error {
	collectors, err := s.reg.List(service.TypeMetrics)
	if err != nil {
		return fmt.Errorf("list metrics instances: %w", err)
	}
	if len(collectors) == 0 {
		return nil // nothing scrapes yet
	}

	all, err := s.reg.List()
	if err != nil {
		return fmt.Errorf("registry snapshot: %w", err)
	}

	data, err := s.generate(all)
	if err != nil {
		return err
	}

	replaced := false
	for _, collector := range collectors {
		if collector.Status == service.StatusRemoving {
			continue
		}
		desc, err := service.Lookup(collector.Type)
		if err != nil {
			return err
		}
		dir, err := s.loc.InstanceDir(collector.Name, desc)
		if err != nil {
			return err
		}
		if err := s.replace(filepath.Join(dir, ScrapeConfigFileName), data); err != nil {
			return err
		}
		replaced = true
	}

	if !replaced {
		return nil
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("config replaced but reload failed: %w", err)
	}
	return nil
}

// generate builds the whole scrape configuration from a registry
// snapshot. Output is deterministic: instances sorted by name.
func (s *MetricsSync) generate(snapshot []*service.Instance) ([]byte, error) {
	cfg := promConfig{
		Global:        promGlobal{ScrapeInterval: "15s"},
		ScrapeConfigs: []scrapeEntry{},
	}

	sorted := make([]*service.Instance, len(snapshot))
	copy(sorted, snapshot)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, inst := range sorted {
		// Leaving and failed instances have no business being scraped.
		if inst.Status == service.StatusRemoving || inst.Status == service.StatusFailed {
			continue
		}
		desc, err := service.Lookup(inst.Type)
		if err != nil {
			continue // unknown type in an old record; skip, don't fail
		}
		if desc.MetricsPort == 0 {
			continue
		}
		rs, err := s.loc.Resolve(inst.Name, desc)
		if err != nil {
			return nil, err
		}
		if len(rs.Containers) == 0 {
			continue
		}
		cfg.ScrapeConfigs = append(cfg.ScrapeConfigs, scrapeEntry{
			JobName: inst.Name,
			StaticConfigs: []staticConfig{{
				Targets: []string{fmt.Sprintf("%s:%d", rs.Containers[0], desc.MetricsPort)},
				Labels: map[string]string{
					"instance_name": inst.Name,
					"service_type":  string(inst.Type),
				},
			}},
		})
	}

	var buf bytes.Buffer
	buf.WriteString("# Generated by nodepilot. Manual edits will be overwritten.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return nil, fmt.Errorf("encode scrape config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode scrape config: %w", err)
	}
	return buf.Bytes(), nil
}

// replace stages, validates, and atomically publishes one config file.
func (s *MetricsSync) replace(path string, data []byte) error {
	staging := path + ".staging"
	if err := os.WriteFile(staging, data, 0o640); err != nil {
		return fmt.Errorf("write staged config: %w", err)
	}

	if err := s.validate(data); err != nil {
		// Abort: active config stays untouched, no reload signal.
		os.Remove(staging)
		return fmt.Errorf("staged config invalid, keeping previous: %w", err)
	}

	if err := os.Rename(staging, path); err != nil {
		os.Remove(staging)
		return fmt.Errorf("publish config %s: %w", path, err)
	}
	s.log.Debug("scrape config replaced", "path", path)
	return nil
}

// validateScrapeConfig parses the staged bytes back with unknown fields
// rejected, and checks structural requirements the collector enforces.
func validateScrapeConfig(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg promConfig
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	seen := make(map[string]bool, len(cfg.ScrapeConfigs))
	for _, sc := range cfg.ScrapeConfigs {
		if sc.JobName == "" {
			return fmt.Errorf("scrape config with empty job_name")
		}
		if seen[sc.JobName] {
			return fmt.Errorf("duplicate job_name %q", sc.JobName)
		}
		seen[sc.JobName] = true
	}
	return nil
}
