// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package locate computes the concrete resource set a service instance owns
from its name and its type's descriptor templates.

Resolution is a pure function: no filesystem probes, no runtime queries.
The only state is the descriptor table passed in by the caller. Instance
names are validated against a restrictive identifier grammar before any
template is expanded, so a name can never smuggle path separators or shell
metacharacters into container names, network names, or directory paths.
*/
package locate

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

// ErrInvalidName is returned when an instance name violates the identifier
// grammar and would be unsafe in resource names or paths.
var ErrInvalidName = errors.New("invalid instance name")

// namePattern is the instance identifier grammar. Names must start with an
// alphanumeric and may contain only alphanumerics, underscores, and hyphens.
// Matches what container runtimes accept and keeps names path-safe.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// maxNameLength caps names so derived container names (name + role suffix)
// stay under the runtime's 63-character limit.
const maxNameLength = 40

// ValidateName checks an instance name against the identifier grammar.
//
// # Description
//
// Returns ErrInvalidName (wrapped with the offending detail) for empty
// names, names over the length cap, and names containing characters outside
// [A-Za-z0-9_-] or starting with a non-alphanumeric.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_-]", ErrInvalidName, name)
	}
	return nil
}

// Network is a resolved network resource.
type Network struct {
	// Name is the concrete network name.
	Name string

	// Shared marks the network as reference-counted across instances.
	Shared bool
}

// ResourceSet is the concrete infrastructure an instance owns.
//
// Recomputed on demand from instance name + descriptor; never persisted.
type ResourceSet struct {
	// Containers are the concrete container names of the instance group.
	Containers []string

	// ContainerPattern matches every container of the group, for runtime
	// list operations ("<name>-*" semantics expressed as a prefix).
	ContainerPattern string

	// Volumes are the concrete data volume names.
	Volumes []string

	// Network is the network the group attaches to.
	Network Network

	// Directories are absolute instance directory paths under home.
	Directories []string
}

// Identifiers flattens the set into the declared-resource list persisted
// on the registry record, one "kind:identifier" string per resource.
func (r *ResourceSet) Identifiers() []string {
	out := make([]string, 0, len(r.Containers)+len(r.Volumes)+len(r.Directories)+1)
	for _, c := range r.Containers {
		out = append(out, "container:"+c)
	}
	for _, v := range r.Volumes {
		out = append(out, "volume:"+v)
	}
	out = append(out, "network:"+r.Network.Name)
	for _, d := range r.Directories {
		out = append(out, "directory:"+d)
	}
	return out
}

// Locator resolves instance names to resource sets.
//
// # Thread Safety
//
// Locator is immutable after construction and safe for concurrent use.
type Locator struct {
	home string
}

// New creates a Locator rooted at the given tool home directory.
// Directory templates resolve relative to home.
func New(home string) *Locator {
	return &Locator{home: home}
}

// Resolve computes the resource set for an instance name and descriptor.
//
// # Description
//
// Validates the name against the identifier grammar, then expands every
// descriptor template by substituting "${name}". Shared networks resolve to
// their fixed name; private networks substitute like any other template.
//
// # Outputs
//
//   - *ResourceSet: the concrete resources the instance owns
//   - error: ErrInvalidName when the name fails validation
func (l *Locator) Resolve(name string, d *service.Descriptor) (*ResourceSet, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	rs := &ResourceSet{
		Containers:       expandAll(d.Containers, name),
		ContainerPattern: name + "-",
		Volumes:          expandAll(d.Volumes, name),
		Network: Network{
			Name:   expand(d.Network.Name, name),
			Shared: d.Network.Shared,
		},
	}
	// Single-container types have no role suffix; the pattern is the
	// exact name rather than a prefix.
	if len(d.Containers) == 1 && d.Containers[0] == "${name}" {
		rs.ContainerPattern = name
	}
	for _, tmpl := range d.Directories {
		rs.Directories = append(rs.Directories, filepath.Join(l.home, expand(tmpl, name)))
	}
	return rs, nil
}

// Endpoint renders the connection endpoint an instance exposes to its
// dependents, or "" when the type declares none.
func (l *Locator) Endpoint(name string, d *service.Descriptor) string {
	if d.EndpointTemplate == "" {
		return ""
	}
	return expand(d.EndpointTemplate, name)
}

// InstanceDir returns the primary instance directory (first directory
// template), where the rendered env and compose files live.
func (l *Locator) InstanceDir(name string, d *service.Descriptor) (string, error) {
	rs, err := l.Resolve(name, d)
	if err != nil {
		return "", err
	}
	if len(rs.Directories) == 0 {
		return "", fmt.Errorf("descriptor for %q declares no directories", d.Type)
	}
	return rs.Directories[0], nil
}

func expand(tmpl, name string) string {
	return strings.ReplaceAll(tmpl, "${name}", name)
}

func expandAll(tmpls []string, name string) []string {
	if len(tmpls) == 0 {
		return nil
	}
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		out[i] = expand(t, name)
	}
	return out
}
