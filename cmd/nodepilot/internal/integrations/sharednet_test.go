// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package integrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

func newSharedNetFixture(t *testing.T) (*registry.FileStore, *SharedNetwork) {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), logging.NewTestLogger())
	require.NoError(t, err)
	return reg, NewSharedNetwork(reg, logging.NewTestLogger())
}

func TestSharedNetworkStillNeededBySibling(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))
	require.NoError(t, reg.Create(&service.Instance{Name: "vero2", Type: service.TypeValidator, Status: service.StatusRunning}))

	// Removing vero1: vero2 still references the network
	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestSharedNetworkReleasedByLastInstance(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))

	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestSharedNetworkSignerCountsAsReference(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))
	require.NoError(t, reg.Create(&service.Instance{Name: "web3signer", Type: service.TypeSigner, Status: service.StatusRunning}))

	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.True(t, needed, "signer shares the validator network")
}

func TestSharedNetworkIgnoresRemovingSiblings(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))
	require.NoError(t, reg.Create(&service.Instance{Name: "vero2", Type: service.TypeValidator, Status: service.StatusInstalling}))
	_, err := reg.Transition("vero2", service.StatusRunning, "")
	require.NoError(t, err)
	_, err = reg.Transition("vero2", service.StatusRemoving, "")
	require.NoError(t, err)

	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.False(t, needed, "a sibling already on its way out is not a reference")
}

func TestSharedNetworkNonSharedTypesDoNotCount(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))
	require.NoError(t, reg.Create(&service.Instance{Name: "ethnode1", Type: service.TypeEthNode, Status: service.StatusRunning}))

	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.False(t, needed, "ethnodes have private networks")
}

func TestSharedNetworkFailedSiblingStillCounts(t *testing.T) {
	reg, ad := newSharedNetFixture(t)
	require.NoError(t, reg.Create(&service.Instance{Name: "vero1", Type: service.TypeValidator, Status: service.StatusRunning}))
	require.NoError(t, reg.Create(&service.Instance{Name: "vero2", Type: service.TypeValidator, Status: service.StatusInstalling}))
	_, err := reg.Transition("vero2", service.StatusFailed, "install blew up")
	require.NoError(t, err)

	needed, err := ad.StillNeeded(context.Background(), service.SharedNetworkValidator, "vero1")
	require.NoError(t, err)
	assert.True(t, needed, "failed instances keep their resources until force-removed")
}
