// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package runtime adapts the container engine for the lifecycle orchestrator.

Two surfaces live here. Runtime talks to the Docker Engine API directly
for resource-level operations (list, stop, remove, networks) where
structured responses and typed errors matter most. Compose shells out to
`docker compose` for whole-group operations (up, pull, logs) where the
compose CLI's dependency ordering and file handling are the behavior we
want.

Destructive operations are idempotent: removing a container, volume, or
network that is already absent succeeds. Only a present-but-unremovable
resource is an error.
*/
package runtime

import (
	"context"
	"errors"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrUnavailable is returned when the container engine cannot be
	// reached at all. Callers should treat this as "stop and tell the
	// user", not as a failed step.
	ErrUnavailable = errors.New("container engine unavailable")

	// ErrResourceInUse is returned when a volume or network cannot be
	// removed because containers still reference it.
	ErrResourceInUse = errors.New("resource still in use")

	// ErrStartup is returned when compose accepted the configuration
	// but one or more containers failed to start.
	ErrStartup = errors.New("container startup failed")
)

// =============================================================================
// Types
// =============================================================================

// ContainerState is a point-in-time view of one container.
type ContainerState struct {
	// Name is the container name without the leading slash.
	Name string

	// Status is the engine's status string ("running", "exited", ...).
	Status string

	// Running reports whether the container is currently up.
	Running bool
}

// =============================================================================
// Runtime Interface
// =============================================================================

// Runtime is the structured, resource-level view of the container engine.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Idempotency
//
// All Remove* methods and StopContainers treat already-absent targets as
// success.
type Runtime interface {
	// ListContainers returns the state of all containers (running or
	// not) whose name starts with prefix.
	ListContainers(ctx context.Context, prefix string) ([]ContainerState, error)

	// InspectState returns the state of one container by exact name.
	// Returns nil (no error) if the container does not exist.
	InspectState(ctx context.Context, name string) (*ContainerState, error)

	// StopContainers stops the named containers. Absent or already
	// stopped containers are skipped silently.
	StopContainers(ctx context.Context, names []string) error

	// RemoveContainers force-removes the named containers. Anonymous
	// volumes are preserved; named volumes are removed separately.
	RemoveContainers(ctx context.Context, names []string) error

	// RemoveVolumes removes the named volumes. Returns ErrResourceInUse
	// if a volume is still referenced by a container.
	RemoveVolumes(ctx context.Context, names []string) error

	// EnsureNetwork creates the named network if it does not already
	// exist. Creation races are resolved by re-inspecting.
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error

	// RemoveNetwork removes the named network. Returns ErrResourceInUse
	// if containers are still attached.
	RemoveNetwork(ctx context.Context, name string) error

	// RestartContainer restarts one container by exact name. Restarting
	// an absent container is an error: callers restart containers they
	// believe exist.
	RestartContainer(ctx context.Context, name string) error
}
