// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package service

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAbsent, StatusInstalling, true},
		{StatusInstalling, StatusRunning, true},
		{StatusInstalling, StatusFailed, true},
		{StatusRunning, StatusStopped, true},
		{StatusStopped, StatusRunning, true},
		{StatusRunning, StatusRemoving, true},
		{StatusStopped, StatusRemoving, true},
		{StatusRemoving, StatusAbsent, true},
		{StatusRemoving, StatusFailed, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusRemoving, true},

		// Failed has exactly one way out.
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusStopped, false},
		{StatusFailed, StatusInstalling, false},

		{StatusRunning, StatusInstalling, false},
		{StatusStopped, StatusInstalling, false},
		{StatusInstalling, StatusStopped, false},
		{StatusInstalling, StatusRemoving, false},
		{StatusAbsent, StatusRunning, false},

		// Self-transitions are not edges.
		{StatusRunning, StatusRunning, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEveryStatusReachesFailedExceptAbsent(t *testing.T) {
	for _, s := range []Status{StatusInstalling, StatusRunning, StatusStopped, StatusRemoving} {
		if !CanTransition(s, StatusFailed) {
			t.Errorf("expected %s -> failed to be legal", s)
		}
	}
	if CanTransition(StatusAbsent, StatusFailed) {
		t.Error("absent -> failed should not be legal: nothing exists to fail")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("running"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseStatus("exploded"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"ethnode", "validator", "signer", "metrics"} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("ParseType(%q): %v", s, err)
		}
	}
	if _, err := ParseType("database"); err == nil {
		t.Error("expected error for unknown type")
	}
}
