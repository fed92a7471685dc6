// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/infra/process"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// ComposeFileName is the rendered compose file inside an instance
// directory. The .env file next to it is picked up by compose
// automatically.
const ComposeFileName = "compose.yaml"

// ComposeRunner drives `docker compose` for whole-group operations.
//
// Compose owns container creation and dependency ordering; the engine
// only points it at the instance directory, where the rendered
// compose.yaml and .env live.
//
// # Thread Safety
//
// ComposeRunner is safe for concurrent use across different instance
// directories. Concurrent operations on the same directory are the
// orchestrator's job to prevent.
type ComposeRunner struct {
	pm  process.Manager
	log *logging.Logger
}

// NewComposeRunner creates a runner that invokes the given process
// manager.
func NewComposeRunner(pm process.Manager, log *logging.Logger) *ComposeRunner {
	return &ComposeRunner{pm: pm, log: log}
}

// checkDir verifies the instance directory holds a compose file before
// shelling out, so the user sees a path problem instead of a compose
// usage error.
func (c *ComposeRunner) checkDir(dir string) error {
	path := filepath.Join(dir, ComposeFileName)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("compose file %s: %w", path, err)
	}
	return nil
}

// Up starts (or recreates, when definitions changed) the group.
//
// Executes `docker compose up -d` in the instance directory. Compose
// handles depends_on ordering between the group's containers.
func (c *ComposeRunner) Up(ctx context.Context, dir string) error {
	if err := c.checkDir(dir); err != nil {
		return err
	}
	c.log.Debug("compose up", "dir", dir)
	if _, err := c.pm.RunInDir(ctx, dir, "docker", "compose", "up", "-d"); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	return nil
}

// Stop stops the group's containers without removing them.
func (c *ComposeRunner) Stop(ctx context.Context, dir string) error {
	if err := c.checkDir(dir); err != nil {
		return err
	}
	c.log.Debug("compose stop", "dir", dir)
	if _, err := c.pm.RunInDir(ctx, dir, "docker", "compose", "stop"); err != nil {
		return fmt.Errorf("compose stop: %w", err)
	}
	return nil
}

// Pull fetches the images referenced by the compose file.
func (c *ComposeRunner) Pull(ctx context.Context, dir string) error {
	if err := c.checkDir(dir); err != nil {
		return err
	}
	c.log.Debug("compose pull", "dir", dir)
	if _, err := c.pm.RunInDir(ctx, dir, "docker", "compose", "pull"); err != nil {
		return fmt.Errorf("compose pull: %w", err)
	}
	return nil
}

// Logs streams the group's logs to the given writers. With follow set,
// it blocks until ctx is cancelled.
func (c *ComposeRunner) Logs(ctx context.Context, dir string, follow bool, tail string, stdout, stderr io.Writer) error {
	if err := c.checkDir(dir); err != nil {
		return err
	}
	args := []string{"compose", "logs"}
	if follow {
		args = append(args, "--follow")
	}
	if tail != "" {
		args = append(args, "--tail", tail)
	}
	return c.pm.RunStreaming(ctx, dir, stdout, stderr, "docker", args...)
}
