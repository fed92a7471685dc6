// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package process abstracts external process execution and single-instance
locking for the CLI.

All exec.Command calls in the engine go through the Manager interface so
unit tests can mock process execution: capture and verify invocations,
and simulate success/failure without real processes.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Result holds the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Manager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context; a cancelled context kills the
// running process.
type Manager interface {
	// Run executes a command synchronously and returns its result.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - *Result: stdout, stderr, and exit code — populated even on failure
	//   - error: Non-nil if the command exits non-zero, fails to start,
	//     or is cancelled. Stderr is folded into the error message.
	//
	// # Example
	//
	//	res, err := pm.Run(ctx, "docker", "compose", "version")
	//	if err != nil {
	//	    return fmt.Errorf("compose not available: %w", err)
	//	}
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunInDir executes a command with the given working directory.
	// Compose files reference relative paths, so compose invocations run
	// from the instance directory.
	RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error)

	// RunStreaming executes a command with stdout and stderr connected
	// to the given writers and blocks until it exits. Used for commands
	// whose output the user watches live (log following).
	RunStreaming(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecManager implements Manager using os/exec.
//
// This is the production implementation. Use MockManager in tests.
type ExecManager struct{}

// NewExecManager creates a Manager that executes real processes.
func NewExecManager() *ExecManager {
	return &ExecManager{}
}

// Run executes a command synchronously and returns its result.
func (pm *ExecManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return pm.RunInDir(ctx, "", name, args...)
}

// RunInDir executes a command in the given working directory.
func (pm *ExecManager) RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	if err != nil {
		// Fold stderr into the error so callers get the actionable
		// message without digging into the Result.
		if stderr.Len() > 0 {
			return res, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// RunStreaming executes a command with live output.
func (pm *ExecManager) RunStreaming(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		// Context cancellation is the normal way to stop a follow; do
		// not surface the resulting kill as a failure.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it panics.
//
// # Example
//
//	mock := &MockManager{
//	    RunInDirFunc: func(ctx context.Context, dir, name string, args ...string) (*Result, error) {
//	        if name == "docker" && args[0] == "compose" {
//	            return &Result{}, nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) (*Result, error)

	// RunInDirFunc is called when RunInDir is invoked
	RunInDirFunc func(ctx context.Context, dir, name string, args ...string) (*Result, error)

	// RunStreamingFunc is called when RunStreaming is invoked
	RunStreamingFunc func(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error

	// Calls records all method invocations for verification
	Calls []Call

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// Call records a single method invocation.
type Call struct {
	Method string
	Dir    string
	Name   string
	Args   []string
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunInDir delegates to RunInDirFunc and records the call.
func (m *MockManager) RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	m.record(Call{Method: "RunInDir", Dir: dir, Name: name, Args: args})
	if m.RunInDirFunc == nil {
		panic("MockManager.RunInDirFunc not set")
	}
	return m.RunInDirFunc(ctx, dir, name, args...)
}

// RunStreaming delegates to RunStreamingFunc and records the call.
func (m *MockManager) RunStreaming(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	m.record(Call{Method: "RunStreaming", Dir: dir, Name: name, Args: args})
	if m.RunStreamingFunc == nil {
		panic("MockManager.RunStreamingFunc not set")
	}
	return m.RunStreamingFunc(ctx, dir, stdout, stderr, name, args...)
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ Manager = (*ExecManager)(nil)
	_ Manager = (*MockManager)(nil)
)
