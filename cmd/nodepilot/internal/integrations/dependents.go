// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package integrations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// EnvFileName is the rendered environment file inside an instance
// directory, consumed by compose.
const EnvFileName = ".env"

// DependentConfig rewrites surviving dependents' endpoint lists when a
// dependency leaves.
//
// A validator's .env carries a comma-separated endpoint list under its
// descriptor's EndpointKey (e.g. BEACON_NODE_URLS). When a referenced
// ethnode is removed, the entry is rewritten to drop that endpoint —
// degrading to an empty-but-valid "KEY=" line, never a dangling
// reference. The dependent's container is then restarted so it picks up
// the change; restart failure is logged, not fatal.
type DependentConfig struct {
	loc *locate.Locator
	rt  runtime.Runtime
	log *logging.Logger
}

var _ Adapter = (*DependentConfig)(nil)

// NewDependentConfig creates the dependent-config adapter.
func NewDependentConfig(loc *locate.Locator, rt runtime.Runtime, log *logging.Logger) *DependentConfig {
	return &DependentConfig{loc: loc, rt: rt, log: log}
}

// Kind returns the integration kind this adapter serves.
func (d *DependentConfig) Kind() service.IntegrationKind {
	return service.IntegrationDependentConfig
}

// OnAfterInstall is a no-op: endpoint lists are rendered at install
// time by the installing instance itself.
func (d *DependentConfig) OnAfterInstall(ctx context.Context, inst *service.Instance) error {
	return nil
}

// OnBeforeRemove is a no-op: the rewrite happens per dependent via
// OnDependencyRemoved.
func (d *DependentConfig) OnBeforeRemove(ctx context.Context, inst *service.Instance) error {
	return nil
}

// OnDependencyRemoved drops the removed instance's endpoint from one
// dependent's endpoint list and restarts the dependent.
func (d *DependentConfig) OnDependencyRemoved(ctx context.Context, dependent *service.Instance, removed *service.Instance) error {
	depDesc, err := service.Lookup(dependent.Type)
	if err != nil {
		return err
	}
	if depDesc.EndpointKey == "" {
		return nil // this dependent type carries no endpoint list
	}
	removedDesc, err := service.Lookup(removed.Type)
	if err != nil {
		return err
	}
	endpoint := d.loc.Endpoint(removed.Name, removedDesc)
	if endpoint == "" {
		return nil
	}

	dir, err := d.loc.InstanceDir(dependent.Name, depDesc)
	if err != nil {
		return err
	}
	envPath := filepath.Join(dir, EnvFileName)

	changed, err := dropEndpoint(envPath, depDesc.EndpointKey, endpoint)
	if err != nil {
		return fmt.Errorf("rewrite %s for %q: %w", EnvFileName, dependent.Name, err)
	}
	if !changed {
		return nil
	}
	d.log.Info("dropped endpoint from dependent",
		"dependent", dependent.Name,
		"removed", removed.Name,
		"endpoint", endpoint,
	)

	// Restart so the dependent stops dialing a dead endpoint. Failure
	// here must not fail the removal of the dependency.
	rs, err := d.loc.Resolve(dependent.Name, depDesc)
	if err != nil {
		return err
	}
	for _, container := range rs.Containers {
		if err := d.rt.RestartContainer(ctx, container); err != nil {
			d.log.Warn("dependent restart failed; the instance keeps its old connections until restarted manually",
				"dependent", dependent.Name,
				"container", container,
				"error", err,
			)
		}
	}
	return nil
}

// FanOut applies OnDependencyRemoved to every dependent concurrently.
// The first error is returned after all rewrites finish; one dependent's
// failure never blocks the others.
func (d *DependentConfig) FanOut(ctx context.Context, dependents []*service.Instance, removed *service.Instance) error {
	// A plain group, not WithContext: one failed rewrite must not cancel
	// the siblings mid-restart.
	var g errgroup.Group
	for _, dep := range dependents {
		g.Go(func() error {
			return d.OnDependencyRemoved(ctx, dep, removed)
		})
	}
	return g.Wait()
}

// dropEndpoint removes one endpoint from the key's comma-separated list
// in an env file, rewriting the file atomically. Returns whether the
// file changed. A missing file or missing key is not an error: the
// dependent simply never referenced the dependency.
func dropEndpoint(envPath, key, endpoint string) (bool, error) {
	data, err := os.ReadFile(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, key+"=") {
			continue
		}
		value := strings.TrimPrefix(trimmed, key+"=")
		var kept []string
		for _, e := range strings.Split(value, ",") {
			e = strings.TrimSpace(e)
			if e == "" || e == endpoint {
				continue
			}
			kept = append(kept, e)
		}
		newLine := key + "=" + strings.Join(kept, ",")
		if newLine != trimmed {
			lines[i] = newLine
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	tmp := envPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), 0o640); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, envPath); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}
