// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

func fastChecker(rt runtime.Runtime) *Checker {
	c := NewChecker(rt, logging.NewTestLogger())
	c.Interval = 5 * time.Millisecond
	c.Timeout = 200 * time.Millisecond
	return c
}

func TestWaitRunningImmediate(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectStateFunc: func(ctx context.Context, name string) (*runtime.ContainerState, error) {
			return &runtime.ContainerState{Name: name, Status: "running", Running: true}, nil
		},
	}

	err := fastChecker(rt).WaitRunning(context.Background(), []string{"ethnode1-execution", "ethnode1-consensus"})
	assert.NoError(t, err)
}

func TestWaitRunningEventually(t *testing.T) {
	var polls atomic.Int32
	rt := &runtime.MockRuntime{
		InspectStateFunc: func(ctx context.Context, name string) (*runtime.ContainerState, error) {
			if polls.Add(1) < 4 {
				return &runtime.ContainerState{Name: name, Status: "created"}, nil
			}
			return &runtime.ContainerState{Name: name, Status: "running", Running: true}, nil
		},
	}

	err := fastChecker(rt).WaitRunning(context.Background(), []string{"vero"})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, polls.Load(), int32(4))
}

func TestWaitRunningTimesOut(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectStateFunc: func(ctx context.Context, name string) (*runtime.ContainerState, error) {
			return &runtime.ContainerState{Name: name, Status: "restarting"}, nil
		},
	}

	err := fastChecker(rt).WaitRunning(context.Background(), []string{"vero"})
	assert.ErrorIs(t, err, ErrUnhealthy)
}

func TestWaitRunningGoneContainerFailsFast(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectStateFunc: func(ctx context.Context, name string) (*runtime.ContainerState, error) {
			return nil, nil // absent
		},
	}

	start := time.Now()
	err := fastChecker(rt).WaitRunning(context.Background(), []string{"vero"})
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "absence should not wait out the window")
}

func TestWaitRunningRespectsCancellation(t *testing.T) {
	rt := &runtime.MockRuntime{
		InspectStateFunc: func(ctx context.Context, name string) (*runtime.ContainerState, error) {
			return &runtime.ContainerState{Name: name, Status: "created"}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastChecker(rt).WaitRunning(ctx, []string{"vero"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitRunningNoContainers(t *testing.T) {
	err := fastChecker(&runtime.MockRuntime{}).WaitRunning(context.Background(), nil)
	assert.NoError(t, err)
}
