// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestExecManagerRun(t *testing.T) {
	m := NewExecManager()

	res, err := m.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestExecManagerRunInDir(t *testing.T) {
	m := NewExecManager()
	dir := t.TempDir()

	res, err := m.RunInDir(context.Background(), dir, "pwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// macOS TempDir may resolve through /private; suffix match is enough.
	if !strings.HasSuffix(strings.TrimSpace(string(res.Stdout)), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want suffix %q", res.Stdout, dir)
	}
}

func TestExecManagerCommandFailure(t *testing.T) {
	m := NewExecManager()

	_, err := m.RunInDir(context.Background(), t.TempDir(), "sh", "-c", "echo doom >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "doom") {
		t.Errorf("error should carry stderr, got: %v", err)
	}
}

func TestExecManagerMissingBinary(t *testing.T) {
	m := NewExecManager()

	if _, err := m.Run(context.Background(), "definitely-not-a-binary-1337"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestExecManagerRunStreaming(t *testing.T) {
	m := NewExecManager()
	var stdout, stderr bytes.Buffer

	err := m.RunStreaming(context.Background(), t.TempDir(), &stdout, &stderr, "echo", "streamed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "streamed" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestExecManagerContextCancellation(t *testing.T) {
	m := NewExecManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Run(ctx, "sleep", "10"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestMockManagerRecordsCalls(t *testing.T) {
	m := &MockManager{
		RunInDirFunc: func(ctx context.Context, dir, name string, args ...string) (*Result, error) {
			return &Result{Stdout: []byte("ok")}, nil
		},
	}

	_, err := m.RunInDir(context.Background(), "/srv", "docker", "compose", "up", "-d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := m.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Dir != "/srv" || calls[0].Name != "docker" {
		t.Errorf("unexpected call record: %+v", calls[0])
	}

	m.Reset()
	if len(m.GetCalls()) != 0 {
		t.Error("Reset should clear recorded calls")
	}
}
