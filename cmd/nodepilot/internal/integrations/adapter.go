// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package integrations propagates cross-service side effects at lifecycle
points: metrics scrape-target regeneration, dependent endpoint rewrites,
and shared-network reference counting.

Adapters are invoked by the orchestrator and are non-critical by policy:
an adapter failure is recorded against the run but never aborts the
remaining steps. Core resource cleanup must not depend on the health of
auxiliary integrations.
*/
package integrations

import (
	"context"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

// Adapter is one integration kind's handler for lifecycle events.
//
// Implementations must tolerate being called for instances they do not
// care about (return nil quickly) so the orchestrator can dispatch by
// the descriptor's declared kinds without special-casing.
type Adapter interface {
	// Kind identifies which descriptor-declared integration this
	// adapter serves.
	Kind() service.IntegrationKind

	// OnAfterInstall runs after an instance's containers are up.
	OnAfterInstall(ctx context.Context, inst *service.Instance) error

	// OnBeforeRemove runs before an instance's resources are torn down.
	OnBeforeRemove(ctx context.Context, inst *service.Instance) error

	// OnDependencyRemoved runs against a surviving dependent after one
	// of its dependencies was removed.
	OnDependencyRemoved(ctx context.Context, dependent *service.Instance, removed *service.Instance) error
}

// Set indexes adapters by kind for descriptor-driven dispatch.
type Set map[service.IntegrationKind]Adapter

// NewSet builds a Set from the given adapters. Later duplicates of a
// kind win, which lets tests override a single adapter.
func NewSet(adapters ...Adapter) Set {
	s := make(Set, len(adapters))
	for _, a := range adapters {
		s[a.Kind()] = a
	}
	return s
}

// For returns the adapters declared by the descriptor, in the
// descriptor's declaration order. Unknown kinds are skipped.
func (s Set) For(desc *service.Descriptor) []Adapter {
	var out []Adapter
	for _, kind := range desc.Integrations {
		if a, ok := s[kind]; ok {
			out = append(out, a)
		}
	}
	return out
}
