// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health verifies that an instance's containers actually come
// up after a start or update, rather than trusting the compose exit
// code alone.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// ErrUnhealthy is returned when containers do not reach a running state
// within the wait window.
var ErrUnhealthy = errors.New("containers did not become healthy")

// Checker polls container state through the runtime adapter.
type Checker struct {
	rt  runtime.Runtime
	log *logging.Logger

	// Interval between polls. Defaults to 2s.
	Interval time.Duration

	// Timeout for the whole wait. Defaults to 90s.
	Timeout time.Duration
}

// NewChecker creates a checker with default timings.
func NewChecker(rt runtime.Runtime, log *logging.Logger) *Checker {
	return &Checker{
		rt:       rt,
		log:      log,
		Interval: 2 * time.Second,
		Timeout:  90 * time.Second,
	}
}

// WaitRunning blocks until every named container reports running, the
// timeout elapses, or ctx is cancelled.
//
// A container that disappears mid-wait (crash loop with restart policy
// "no") fails immediately rather than burning the whole window.
func (c *Checker) WaitRunning(ctx context.Context, containers []string) error {
	if len(containers) == 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		allRunning := true
		for _, name := range containers {
			state, err := c.rt.InspectState(waitCtx, name)
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("%w: container %q is gone", ErrUnhealthy, name)
			}
			if !state.Running {
				c.log.Debug("waiting for container", "container", name, "status", state.Status)
				allRunning = false
			}
		}
		if allRunning {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s", ErrUnhealthy, c.Timeout)
		case <-ticker.C:
		}
	}
}
