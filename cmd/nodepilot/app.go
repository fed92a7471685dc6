// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/config"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/health"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/infra/process"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/integrations"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/lifecycle"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// app bundles everything a command handler needs.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	reg     *registry.FileStore
	loc     *locate.Locator
	compose *runtime.ComposeRunner
	orch    *lifecycle.Orchestrator

	// lock guards mutating commands against a second nodepilot process.
	lock process.Locker
}

// newApp wires the engine from configuration. Requires a reachable
// container daemon.
func newApp() (*app, error) {
	home := flagHome
	if home == "" {
		var err error
		home, err = config.DefaultHome()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}

	log := buildLogger(cfg)

	reg, err := registry.Open(cfg.Home, log)
	if err != nil {
		return nil, err
	}
	loc := locate.New(cfg.Home)

	rt, err := runtime.NewDockerRuntime(log)
	if err != nil {
		return nil, err
	}
	compose := runtime.NewComposeRunner(process.NewExecManager(), log)

	checker := health.NewChecker(rt, log)
	if cfg.Health.IntervalSeconds > 0 {
		checker.Interval = cfg.Health.Interval()
	}
	if cfg.Health.TimeoutSeconds > 0 {
		checker.Timeout = cfg.Health.Timeout()
	}

	var reloader integrations.Reloader = integrations.NopReloader{}
	if cfg.Metrics.ReloadURL != "" {
		reloader = integrations.NewHTTPReloader(cfg.Metrics.ReloadURL)
	}
	dc := integrations.NewDependentConfig(loc, rt, log)
	sn := integrations.NewSharedNetwork(reg, log)
	ms := integrations.NewMetricsSync(reg, loc, reloader, log)

	orch := lifecycle.New(lifecycle.Deps{
		Registry:   reg,
		Locator:    loc,
		Runtime:    rt,
		Compose:    compose,
		Adapters:   integrations.NewSet(ms, dc, sn),
		Dependents: dc,
		SharedNet:  sn,
		Health:     checker,
		Log:        log,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		loc:     loc,
		compose: compose,
		orch:    orch,
		lock:    process.NewFileLock(process.LockConfig{LockDir: cfg.Home}),
	}, nil
}

// buildLogger constructs the CLI logger from configuration, with the
// --log-level / --json-logs / --quiet flags overriding the file.
func buildLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if flagLogLevel != "" {
		level = logging.ParseLevel(flagLogLevel)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "nodepilot",
		JSON:    cfg.Log.JSON || flagJSON,
		Quiet:   flagQuiet,
	})
}

// acquireLock takes the process-wide mutation lock.
func (a *app) acquireLock() error {
	return a.lock.Acquire()
}

// close releases the lock (if held) and flushes logs.
func (a *app) close() {
	if a.lock.IsHeld() {
		if err := a.lock.Release(); err != nil {
			a.log.Warn("releasing process lock", "error", err)
		}
	}
	_ = a.log.Close()
}

// parseParams converts repeated --set key=value flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", p)
		}
		params[key] = value
	}
	return params, nil
}
