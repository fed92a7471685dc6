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
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/nodepilot/nodepilot/pkg/logging"
)

// managedLabel marks every resource the engine creates directly, so a
// wedged install can be cleaned up by label even when the registry
// record is gone.
const managedLabel = "nodepilot.managed"

// DockerRuntime implements Runtime against the Docker Engine API.
//
// The client honors DOCKER_HOST and friends, so remote engines and
// rootless setups work without extra configuration.
type DockerRuntime struct {
	client *client.Client
	log    *logging.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the engine using environment variables
// and API version negotiation.
func NewDockerRuntime(log *logging.Logger) (*DockerRuntime, error) {
	c, err := client.New(
		client.FromEnv,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DockerRuntime{client: c, log: log}, nil
}

// ListContainers returns all containers whose name starts with prefix.
func (r *DockerRuntime) ListContainers(ctx context.Context, prefix string) ([]ContainerState, error) {
	// The name filter is a regex; anchor it so "ethnode1-" does not
	// match "myethnode1-execution".
	f := make(client.Filters).
		Add("name", "^/?"+prefix)

	containers, err := r.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers (prefix=%s): %w", prefix, err)
	}

	var out []ContainerState
	for _, c := range containers.Items {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		// The API-side anchor is best effort; filter again precisely.
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, ContainerState{
			Name:    name,
			Status:  string(c.State),
			Running: string(c.State) == "running",
		})
	}
	return out, nil
}

// InspectState returns one container's state, or nil if absent.
func (r *DockerRuntime) InspectState(ctx context.Context, name string) (*ContainerState, error) {
	inspect, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %q: %w", name, err)
	}

	state := &ContainerState{Name: name}
	if inspect.Container.State != nil {
		state.Status = string(inspect.Container.State.Status)
		state.Running = inspect.Container.State.Running
	}
	return state, nil
}

// StopContainers stops the named containers; absent ones are skipped.
func (r *DockerRuntime) StopContainers(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.client.ContainerStop(ctx, name, client.ContainerStopOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) {
				r.log.Debug("container already absent", "container", name)
				continue
			}
			return fmt.Errorf("stop container %q: %w", name, err)
		}
	}
	return nil
}

// RemoveContainers force-removes the named containers; absent ones are
// skipped.
func (r *DockerRuntime) RemoveContainers(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.client.ContainerRemove(ctx, name, client.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: false,
		})
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %q: %w", name, err)
		}
	}
	return nil
}

// RemoveVolumes removes the named volumes; absent ones are skipped.
func (r *DockerRuntime) RemoveVolumes(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.client.VolumeRemove(ctx, name, client.VolumeRemoveOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			if errdefs.IsConflict(err) {
				return fmt.Errorf("volume %q: %w", name, ErrResourceInUse)
			}
			return fmt.Errorf("remove volume %q: %w", name, err)
		}
	}
	return nil
}

// EnsureNetwork creates the network if it does not already exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %q: %w", name, err)
	}

	all := map[string]string{managedLabel: "true"}
	for k, v := range labels {
		all[k] = v
	}

	_, err = r.client.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Labels: all,
	})
	if err != nil {
		// Created concurrently is fine; re-check rather than pattern
		// matching error strings.
		if _, ie := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{}); ie == nil {
			return nil
		}
		return fmt.Errorf("create network %q: %w", name, err)
	}
	r.log.Debug("network created", "network", name)
	return nil
}

// RemoveNetwork removes the named network; absence is success.
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	_, err := r.client.NetworkRemove(ctx, name, client.NetworkRemoveOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if errdefs.IsConflict(err) {
			return fmt.Errorf("network %q: %w", name, ErrResourceInUse)
		}
		return fmt.Errorf("remove network %q: %w", name, err)
	}
	return nil
}

// RestartContainer restarts one container by exact name.
func (r *DockerRuntime) RestartContainer(ctx context.Context, name string) error {
	_, err := r.client.ContainerRestart(ctx, name, client.ContainerRestartOptions{})
	if err != nil {
		return fmt.Errorf("restart container %q: %w", name, err)
	}
	return nil
}
