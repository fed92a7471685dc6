// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"sync"
)

// MockRuntime is a test double for Runtime.
//
// Function fields with a nil value fall back to benign defaults (empty
// results, nil errors), so tests only configure the calls they care
// about. All invocations are recorded for verification.
type MockRuntime struct {
	ListContainersFunc   func(ctx context.Context, prefix string) ([]ContainerState, error)
	InspectStateFunc     func(ctx context.Context, name string) (*ContainerState, error)
	StopContainersFunc   func(ctx context.Context, names []string) error
	RemoveContainersFunc func(ctx context.Context, names []string) error
	RemoveVolumesFunc    func(ctx context.Context, names []string) error
	EnsureNetworkFunc    func(ctx context.Context, name string, labels map[string]string) error
	RemoveNetworkFunc    func(ctx context.Context, name string) error
	RestartContainerFunc func(ctx context.Context, name string) error

	// Calls records all method invocations in order.
	Calls []RuntimeCall

	mu sync.Mutex
}

// RuntimeCall records a single method invocation.
type RuntimeCall struct {
	Method string
	Names  []string
}

var _ Runtime = (*MockRuntime)(nil)

func (m *MockRuntime) record(method string, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RuntimeCall{Method: method, Names: names})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockRuntime) GetCalls() []RuntimeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RuntimeCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// Reset clears the recorded calls.
func (m *MockRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// CallsTo returns how many times the named method was invoked.
func (m *MockRuntime) CallsTo(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockRuntime) ListContainers(ctx context.Context, prefix string) ([]ContainerState, error) {
	m.record("ListContainers", prefix)
	if m.ListContainersFunc == nil {
		return nil, nil
	}
	return m.ListContainersFunc(ctx, prefix)
}

func (m *MockRuntime) InspectState(ctx context.Context, name string) (*ContainerState, error) {
	m.record("InspectState", name)
	if m.InspectStateFunc == nil {
		return nil, nil
	}
	return m.InspectStateFunc(ctx, name)
}

func (m *MockRuntime) StopContainers(ctx context.Context, names []string) error {
	m.record("StopContainers", names...)
	if m.StopContainersFunc == nil {
		return nil
	}
	return m.StopContainersFunc(ctx, names)
}

func (m *MockRuntime) RemoveContainers(ctx context.Context, names []string) error {
	m.record("RemoveContainers", names...)
	if m.RemoveContainersFunc == nil {
		return nil
	}
	return m.RemoveContainersFunc(ctx, names)
}

func (m *MockRuntime) RemoveVolumes(ctx context.Context, names []string) error {
	m.record("RemoveVolumes", names...)
	if m.RemoveVolumesFunc == nil {
		return nil
	}
	return m.RemoveVolumesFunc(ctx, names)
}

func (m *MockRuntime) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	m.record("EnsureNetwork", name)
	if m.EnsureNetworkFunc == nil {
		return nil
	}
	return m.EnsureNetworkFunc(ctx, name, labels)
}

func (m *MockRuntime) RemoveNetwork(ctx context.Context, name string) error {
	m.record("RemoveNetwork", name)
	if m.RemoveNetworkFunc == nil {
		return nil
	}
	return m.RemoveNetworkFunc(ctx, name)
}

func (m *MockRuntime) RestartContainer(ctx context.Context, name string) error {
	m.record("RestartContainer", name)
	if m.RestartContainerFunc == nil {
		return nil
	}
	return m.RestartContainerFunc(ctx, name)
}
