// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package integrations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

type dependentsFixture struct {
	loc *locate.Locator
	rt  *runtime.MockRuntime
	ad  *DependentConfig
}

func newDependentsFixture(t *testing.T) *dependentsFixture {
	t.Helper()
	loc := locate.New(t.TempDir())
	rt := &runtime.MockRuntime{}
	return &dependentsFixture{
		loc: loc,
		rt:  rt,
		ad:  NewDependentConfig(loc, rt, logging.NewTestLogger()),
	}
}

// writeEnv renders a validator .env the way the install flow would.
func (f *dependentsFixture) writeEnv(t *testing.T, name, content string) string {
	t.Helper()
	desc, err := service.Lookup(service.TypeValidator)
	require.NoError(t, err)
	dir, err := f.loc.InstanceDir(name, desc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, EnvFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func validatorInstance(name string) *service.Instance {
	return &service.Instance{Name: name, Type: service.TypeValidator, Status: service.StatusRunning}
}

func ethnodeInstance(name string) *service.Instance {
	return &service.Instance{Name: name, Type: service.TypeEthNode, Status: service.StatusRemoving}
}

func TestDependentConfigDropsEndpoint(t *testing.T) {
	f := newDependentsFixture(t)
	path := f.writeEnv(t, "vero",
		"BEACON_NODE_URLS=http://ethnode1-consensus:5052,http://ethnode2-consensus:5052\nFEE_RECIPIENT=0xabc\n")

	err := f.ad.OnDependencyRemoved(context.Background(), validatorInstance("vero"), ethnodeInstance("ethnode1"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "BEACON_NODE_URLS=http://ethnode2-consensus:5052")
	assert.NotContains(t, content, "ethnode1")
	assert.Contains(t, content, "FEE_RECIPIENT=0xabc", "unrelated keys must survive")

	// The dependent was restarted to pick up the change
	assert.Equal(t, 1, f.rt.CallsTo("RestartContainer"))
}

func TestDependentConfigLastEndpointLeavesEmptyValidList(t *testing.T) {
	f := newDependentsFixture(t)
	path := f.writeEnv(t, "vero", "BEACON_NODE_URLS=http://ethnode1-consensus:5052\n")

	err := f.ad.OnDependencyRemoved(context.Background(), validatorInstance("vero"), ethnodeInstance("ethnode1"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Degrades to empty-but-valid, never a dangling reference
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "BEACON_NODE_URLS=") {
			found = true
			assert.Equal(t, "BEACON_NODE_URLS=", line)
		}
	}
	assert.True(t, found, "key must remain present")
}

func TestDependentConfigUnreferencedEndpointIsNoop(t *testing.T) {
	f := newDependentsFixture(t)
	path := f.writeEnv(t, "vero", "BEACON_NODE_URLS=http://ethnode2-consensus:5052\n")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = f.ad.OnDependencyRemoved(context.Background(), validatorInstance("vero"), ethnodeInstance("ethnode1"))
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, f.rt.CallsTo("RestartContainer"), "no change means no restart")
}

func TestDependentConfigMissingEnvFileIsNoop(t *testing.T) {
	f := newDependentsFixture(t)

	err := f.ad.OnDependencyRemoved(context.Background(), validatorInstance("vero"), ethnodeInstance("ethnode1"))
	assert.NoError(t, err)
}

func TestDependentConfigRestartFailureIsNotFatal(t *testing.T) {
	f := newDependentsFixture(t)
	f.writeEnv(t, "vero", "BEACON_NODE_URLS=http://ethnode1-consensus:5052\n")
	f.rt.RestartContainerFunc = func(ctx context.Context, name string) error {
		return errors.New("engine hiccup")
	}

	err := f.ad.OnDependencyRemoved(context.Background(), validatorInstance("vero"), ethnodeInstance("ethnode1"))
	assert.NoError(t, err, "restart failure is logged, not surfaced")
}

func TestDependentConfigFanOut(t *testing.T) {
	f := newDependentsFixture(t)
	a := f.writeEnv(t, "vero-a", "BEACON_NODE_URLS=http://ethnode1-consensus:5052,http://ethnode2-consensus:5052\n")
	b := f.writeEnv(t, "vero-b", "BEACON_NODE_URLS=http://ethnode1-consensus:5052\n")

	err := f.ad.FanOut(context.Background(),
		[]*service.Instance{validatorInstance("vero-a"), validatorInstance("vero-b")},
		ethnodeInstance("ethnode1"))
	require.NoError(t, err)

	for _, path := range []string{a, b} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "ethnode1")
	}
}

func TestFanOutFailingSiblingDoesNotCancelOthers(t *testing.T) {
	f := newDependentsFixture(t)
	good := f.writeEnv(t, "vero-good", "BEACON_NODE_URLS=http://ethnode1-consensus:5052\n")

	// vero-bad's env path is a directory, so its rewrite errors out fast.
	desc, err := service.Lookup(service.TypeValidator)
	require.NoError(t, err)
	badDir, err := f.loc.InstanceDir("vero-bad", desc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(badDir, EnvFileName), 0o750))

	// The healthy sibling's restart completes only if nobody cancels the
	// context out from under it.
	var restarted atomic.Bool
	f.rt.RestartContainerFunc = func(ctx context.Context, name string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			restarted.Store(true)
			return nil
		}
	}

	err = f.ad.FanOut(context.Background(),
		[]*service.Instance{validatorInstance("vero-bad"), validatorInstance("vero-good")},
		ethnodeInstance("ethnode1"))
	require.Error(t, err)

	data, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ethnode1")
	assert.True(t, restarted.Load(), "sibling restart survived the failing rewrite")
}
