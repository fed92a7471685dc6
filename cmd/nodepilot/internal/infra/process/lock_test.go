// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	lock := NewFileLock(LockConfig{LockDir: t.TempDir(), LockName: "test"})

	if lock.IsHeld() {
		t.Error("new lock should not be held")
	}

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !lock.IsHeld() {
		t.Error("lock should be held after Acquire")
	}

	// PID file should name us
	if got := lock.HolderPID(); got != os.Getpid() {
		t.Errorf("HolderPID() = %d, want %d", got, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if lock.IsHeld() {
		t.Error("lock should not be held after Release")
	}
}

func TestFileLock_AcquireIdempotent(t *testing.T) {
	lock := NewFileLock(LockConfig{LockDir: t.TempDir(), LockName: "test"})

	if err := lock.Acquire(); err != nil {
		t.Fatalf("first Acquire() failed: %v", err)
	}
	defer lock.Release()

	// Second acquire on the same instance is a no-op
	if err := lock.Acquire(); err != nil {
		t.Errorf("second Acquire() failed: %v", err)
	}
}

func TestFileLock_ReleaseWithoutAcquire(t *testing.T) {
	lock := NewFileLock(LockConfig{LockDir: t.TempDir(), LockName: "test"})

	if err := lock.Release(); err != nil {
		t.Errorf("Release() without Acquire should be nil, got: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("double Release() should be nil, got: %v", err)
	}
}

func TestFileLock_Defaults(t *testing.T) {
	lock := NewFileLock(LockConfig{})

	if !strings.HasPrefix(lock.LockPath(), os.TempDir()) {
		t.Errorf("LockPath() = %q, want under %q", lock.LockPath(), os.TempDir())
	}
	if filepath.Base(lock.LockPath()) != "nodepilot.lock" {
		t.Errorf("LockPath() base = %q, want nodepilot.lock", filepath.Base(lock.LockPath()))
	}
	if filepath.Base(lock.PIDPath()) != "nodepilot.pid" {
		t.Errorf("PIDPath() base = %q, want nodepilot.pid", filepath.Base(lock.PIDPath()))
	}
}

func TestFileLock_HolderPIDNoFile(t *testing.T) {
	lock := NewFileLock(LockConfig{LockDir: t.TempDir(), LockName: "test"})

	if got := lock.HolderPID(); got != 0 {
		t.Errorf("HolderPID() with no PID file = %d, want 0", got)
	}
}

func TestFileLock_ReleaseRemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	lock := NewFileLock(LockConfig{LockDir: dir, LockName: "test"})

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if _, err := os.Stat(lock.PIDPath()); err != nil {
		t.Fatalf("PID file missing after Acquire: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := os.Stat(lock.PIDPath()); !os.IsNotExist(err) {
		t.Error("PID file should be removed on Release")
	}
}
