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

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// SharedNetwork reference-counts networks declared shared by more than
// one service type. The network is released only when the last
// referencing instance is removed.
type SharedNetwork struct {
	reg registry.Store
	log *logging.Logger
}

var _ Adapter = (*SharedNetwork)(nil)

// NewSharedNetwork creates the shared-network adapter.
func NewSharedNetwork(reg registry.Store, log *logging.Logger) *SharedNetwork {
	return &SharedNetwork{reg: reg, log: log}
}

// Kind returns the integration kind this adapter serves.
func (s *SharedNetwork) Kind() service.IntegrationKind {
	return service.IntegrationSharedNetwork
}

// OnAfterInstall is a no-op; networks are created idempotently by the
// install flow's networking step.
func (s *SharedNetwork) OnAfterInstall(ctx context.Context, inst *service.Instance) error {
	return nil
}

// OnBeforeRemove is a no-op; the reference check runs inside the
// remove flow's network step, under the shared-resource lock.
func (s *SharedNetwork) OnBeforeRemove(ctx context.Context, inst *service.Instance) error {
	return nil
}

// OnDependencyRemoved is a no-op for this adapter.
func (s *SharedNetwork) OnDependencyRemoved(ctx context.Context, dependent *service.Instance, removed *service.Instance) error {
	return nil
}

// StillNeeded reports whether any instance other than excludeName still
// references the named shared network.
//
// An instance counts as a reference when its registry record exists, it
// is not in Removing state, and its descriptor declares the same shared
// network. Failed instances still count: their resources exist until a
// forced remove cleans them up.
func (s *SharedNetwork) StillNeeded(ctx context.Context, networkName, excludeName string) (bool, error) {
	all, err := s.reg.List()
	if err != nil {
		return false, fmt.Errorf("registry snapshot: %w", err)
	}

	for _, inst := range all {
		if inst.Name == excludeName || inst.Status == service.StatusRemoving {
			continue
		}
		desc, err := service.Lookup(inst.Type)
		if err != nil {
			continue
		}
		if desc.Network.Shared && desc.Network.Name == networkName {
			s.log.Debug("shared network still referenced",
				"network", networkName,
				"by", inst.Name,
			)
			return true, nil
		}
	}
	return false, nil
}
