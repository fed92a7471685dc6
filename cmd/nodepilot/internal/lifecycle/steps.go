// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/integrations"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

// =============================================================================
// Install Flow
// =============================================================================

func (o *Orchestrator) stepCreateDirectories(ctx context.Context, ex *execution) error {
	for _, dir := range ex.rs.Directories {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		ex.createdDirs = append(ex.createdDirs, dir)
	}
	return nil
}

func (o *Orchestrator) stepCopyConfigs(ctx context.Context, ex *execution) error {
	return o.renderArtifacts(ex)
}

func (o *Orchestrator) stepSetupNetworking(ctx context.Context, ex *execution) error {
	labels := map[string]string{"nodepilot.instance": ex.inst.Name}
	if ex.rs.Network.Shared {
		// Serialize against a concurrent remover deciding the network
		// is unreferenced.
		unlock := o.netLocks.lock(ex.rs.Network.Name)
		defer unlock()
		labels = map[string]string{"nodepilot.shared": "true"}
	}
	return o.rt.EnsureNetwork(ctx, ex.rs.Network.Name, labels)
}

func (o *Orchestrator) stepStartServices(ctx context.Context, ex *execution) error {
	if err := o.comp.Up(ctx, ex.dir); err != nil {
		return err
	}
	// Readiness here is advisory: the containers were accepted by the
	// runtime, and slow-syncing clients can take minutes to settle. The
	// update flow is where an unhealthy result must fail the run.
	if err := o.health.WaitRunning(ctx, ex.rs.Containers); err != nil {
		o.log.Warn("containers not confirmed running", "instance", ex.inst.Name, "error", err)
	}
	return nil
}

func (o *Orchestrator) stepIntegrate(ctx context.Context, ex *execution) error {
	var errs []error
	for _, a := range o.adapters.For(ex.desc) {
		if err := a.OnAfterInstall(ctx, ex.inst); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// rollbackInstall tears down whatever a failed install created, best
// effort. Shared networks are left alone: other instances may hold them,
// and the remove flow re-checks references anyway.
func (o *Orchestrator) rollbackInstall(ctx context.Context, ex *execution) {
	if _, err := os.Stat(filepath.Join(ex.dir, runtime.ComposeFileName)); err == nil {
		if err := o.comp.Stop(ctx, ex.dir); err != nil {
			o.log.Warn("rollback: stop failed", "instance", ex.inst.Name, "error", err)
		}
	}
	if err := o.rt.RemoveContainers(ctx, ex.rs.Containers); err != nil {
		o.log.Warn("rollback: container removal failed", "instance", ex.inst.Name, "error", err)
	}
	if err := o.rt.RemoveVolumes(ctx, ex.rs.Volumes); err != nil {
		o.log.Warn("rollback: volume removal failed", "instance", ex.inst.Name, "error", err)
	}
	if !ex.rs.Network.Shared {
		if err := o.rt.RemoveNetwork(ctx, ex.rs.Network.Name); err != nil {
			o.log.Warn("rollback: network removal failed", "instance", ex.inst.Name, "error", err)
		}
	}
	for _, dir := range ex.createdDirs {
		if err := os.RemoveAll(dir); err != nil {
			o.log.Warn("rollback: directory removal failed", "path", dir, "error", err)
		}
	}
}

// =============================================================================
// Remove Flow
// =============================================================================

func (o *Orchestrator) stepStopServices(ctx context.Context, ex *execution) error {
	// A partial install may have no compose file; fall back to stopping
	// whatever containers exist directly.
	if _, err := os.Stat(filepath.Join(ex.dir, runtime.ComposeFileName)); err == nil {
		return o.comp.Stop(ctx, ex.dir)
	}
	return o.rt.StopContainers(ctx, ex.rs.Containers)
}

func (o *Orchestrator) stepUpdateDependents(ctx context.Context, ex *execution) error {
	if len(ex.desc.Dependents) == 0 {
		return nil
	}
	var dependents []*service.Instance
	for _, t := range ex.desc.Dependents {
		insts, err := o.reg.List(t)
		if err != nil {
			return err
		}
		for _, d := range insts {
			if d.Status == service.StatusRemoving {
				continue
			}
			dependents = append(dependents, d)
		}
	}
	return o.dependents.FanOut(ctx, dependents, ex.inst)
}

func (o *Orchestrator) stepCleanupIntegrations(ctx context.Context, ex *execution) error {
	var errs []error
	for _, a := range o.adapters.For(ex.desc) {
		if err := a.OnBeforeRemove(ctx, ex.inst); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) stepRemoveContainers(ctx context.Context, ex *execution) error {
	return o.rt.RemoveContainers(ctx, ex.rs.Containers)
}

func (o *Orchestrator) stepRemoveVolumes(ctx context.Context, ex *execution) error {
	return o.rt.RemoveVolumes(ctx, ex.rs.Volumes)
}

func (o *Orchestrator) stepRemoveNetworks(ctx context.Context, ex *execution) error {
	name := ex.rs.Network.Name
	if !ex.rs.Network.Shared {
		return o.rt.RemoveNetwork(ctx, name)
	}

	// The reference check and the removal must be one atomic decision;
	// otherwise two concurrent removals of the last two instances can
	// both see a remaining reference and leak the network.
	unlock := o.netLocks.lock(name)
	defer unlock()

	needed, err := o.sharedNet.StillNeeded(ctx, name, ex.inst.Name)
	if err != nil {
		return err
	}
	if needed {
		o.log.Info("shared network still referenced, keeping", "network", name, "instance", ex.inst.Name)
		return nil
	}
	if err := o.rt.RemoveNetwork(ctx, name); err != nil {
		// A sibling already in removing is excluded from the reference
		// count but may not have detached its containers yet. That is not
		// a failure of this removal: the sibling's own release converges
		// once its containers are gone.
		if errors.Is(err, runtime.ErrResourceInUse) {
			o.log.Info("shared network still attached elsewhere, leaving it",
				"network", name, "instance", ex.inst.Name)
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) stepRemoveDirectories(ctx context.Context, ex *execution) error {
	for _, dir := range ex.rs.Directories {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

func (o *Orchestrator) stepUnregister(ctx context.Context, ex *execution) error {
	return o.reg.Remove(ex.inst.Name)
}

// =============================================================================
// Update Flow
// =============================================================================

func (o *Orchestrator) stepPullImages(ctx context.Context, ex *execution) error {
	return o.comp.Pull(ctx, ex.dir)
}

func (o *Orchestrator) stepRecreateServices(ctx context.Context, ex *execution) error {
	return o.comp.Up(ctx, ex.dir)
}

func (o *Orchestrator) stepHealthCheck(ctx context.Context, ex *execution) error {
	return o.health.WaitRunning(ctx, ex.rs.Containers)
}

// =============================================================================
// Artifact Rendering
// =============================================================================

// composeService is one service entry of a rendered compose file.
type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Restart       string   `yaml:"restart"`
	EnvFile       []string `yaml:"env_file,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty"`
	Networks      []string `yaml:"networks"`
}

type composeVolume struct {
	Name string `yaml:"name"`
}

type composeNetwork struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]composeVolume  `yaml:"volumes,omitempty"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

// renderArtifacts writes the instance's env file and compose file from
// its descriptor and metadata. Overwrites any previous rendering.
func (o *Orchestrator) renderArtifacts(ex *execution) error {
	if ex.desc.EndpointKey != "" {
		if err := o.renderEnvFile(ex); err != nil {
			return err
		}
	}
	return o.renderComposeFile(ex)
}

// renderEnvFile writes the dependency endpoint list. Precedence: a value
// passed in this operation's params, then the list already on disk
// (dependent rewrites keep that copy current), then a fresh computation
// from the running instances of the dependency types.
func (o *Orchestrator) renderEnvFile(ex *execution) error {
	key := ex.desc.EndpointKey
	path := filepath.Join(ex.dir, integrations.EnvFileName)

	value, explicit := ex.params[key]
	if !explicit {
		cur, found, err := readEnvValue(path, key)
		if err != nil {
			return err
		}
		if found {
			value = cur
		} else {
			endpoints, err := o.dependencyEndpoints(ex.desc)
			if err != nil {
				return err
			}
			value = strings.Join(endpoints, ",")
		}
	}
	ex.inst.SetMeta(key, value)
	content := fmt.Sprintf("%s=%s\n", key, value)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}
	return nil
}

// readEnvValue looks up key in a rendered env file. A missing file or
// missing key is not an error.
func readEnvValue(path, key string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading env file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), key+"="); ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// dependencyEndpoints collects the endpoints of all running instances of
// the descriptor's dependency types, sorted for determinism.
func (o *Orchestrator) dependencyEndpoints(desc *service.Descriptor) ([]string, error) {
	var endpoints []string
	for _, t := range desc.Dependencies {
		depDesc, err := service.Lookup(t)
		if err != nil {
			return nil, err
		}
		insts, err := o.reg.List(t)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			if inst.Status != service.StatusRunning {
				continue
			}
			if ep := o.loc.Endpoint(inst.Name, depDesc); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
	}
	sort.Strings(endpoints)
	return endpoints, nil
}

// renderComposeFile writes the compose spec for the instance group.
//
// Volumes pair with containers by declaration index. The network is
// declared external: setup_networking creates it ahead of compose so the
// engine, not compose, owns its lifecycle (shared networks must outlive
// any single instance).
func (o *Orchestrator) renderComposeFile(ex *execution) error {
	cf := composeFile{
		Services: make(map[string]composeService, len(ex.rs.Containers)),
		Networks: map[string]composeNetwork{
			"default": {Name: ex.rs.Network.Name, External: true},
		},
	}
	if len(ex.rs.Volumes) > 0 {
		cf.Volumes = make(map[string]composeVolume, len(ex.rs.Volumes))
		for _, v := range ex.rs.Volumes {
			cf.Volumes[v] = composeVolume{Name: v}
		}
	}

	for i, container := range ex.rs.Containers {
		role := containerRole(ex.desc.Containers[i])
		image := ex.inst.Meta("image." + role)
		if image == "" {
			image = ex.desc.Images[role]
		}
		if image == "" {
			return fmt.Errorf("no image for container %q (role %q)", container, role)
		}
		svc := composeService{
			Image:         image,
			ContainerName: container,
			Restart:       "unless-stopped",
			Networks:      []string{"default"},
		}
		if ex.desc.EndpointKey != "" {
			svc.EnvFile = []string{integrations.EnvFileName}
		}
		if i < len(ex.rs.Volumes) {
			svc.Volumes = []string{ex.rs.Volumes[i] + ":/data"}
		}
		serviceKey := role
		if serviceKey == "" {
			serviceKey = ex.inst.Name
		}
		cf.Services[serviceKey] = svc
	}

	data, err := yaml.Marshal(cf)
	if err != nil {
		return fmt.Errorf("marshaling compose spec: %w", err)
	}
	path := filepath.Join(ex.dir, runtime.ComposeFileName)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing compose file: %w", err)
	}
	return nil
}

// containerRole derives the role key from a container name template:
// "${name}-execution" -> "execution", "${name}" -> "".
func containerRole(tmpl string) string {
	return strings.TrimPrefix(strings.TrimPrefix(tmpl, "${name}"), "-")
}

// =============================================================================
// Artifact Backup
// =============================================================================

// artifactNames are the files snapshotted before an update.
var artifactNames = []string{runtime.ComposeFileName, integrations.EnvFileName}

// backupArtifacts snapshots the rendered files in dir. Missing files are
// recorded as absent so restore can delete a file the update introduced.
func backupArtifacts(dir string) (map[string][]byte, error) {
	backup := make(map[string][]byte, len(artifactNames))
	for _, name := range artifactNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			backup[name] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		backup[name] = data
	}
	return backup, nil
}

// restoreArtifacts writes the snapshot back, removing files that did not
// exist at backup time.
func restoreArtifacts(dir string, backup map[string][]byte) error {
	for name, data := range backup {
		path := filepath.Join(dir, name)
		if data == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return err
		}
	}
	return nil
}
