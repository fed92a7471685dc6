// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package service

import "fmt"

// =============================================================================
// Status State Machine
// =============================================================================

// Status is the lifecycle state of a service instance.
//
// # Description
//
// Instances move along a fixed set of edges:
//
//	Absent -> Installing -> Running
//	Running <-> Stopped          (stop / start)
//	Running|Stopped|Failed -> Removing -> Absent
//	any state -> Failed          (critical step failure)
//
// Failed -> Installing is deliberately not an edge: a failed install or
// update must be removed before the instance can be installed again, so
// partially-created resources are always cleaned up through the remove
// flow rather than papered over.
//
// StatusAbsent is the initial and terminal state; an absent instance has
// no registry record.
type Status string

const (
	// StatusAbsent means no registry record exists for the name.
	StatusAbsent Status = "absent"

	// StatusInstalling means an install flow is creating resources.
	StatusInstalling Status = "installing"

	// StatusRunning means all declared resources exist and containers run.
	StatusRunning Status = "running"

	// StatusStopped means resources exist but containers are stopped.
	StatusStopped Status = "stopped"

	// StatusRemoving means a remove flow is tearing resources down.
	StatusRemoving Status = "removing"

	// StatusFailed means a critical step failed; LastError names the step.
	StatusFailed Status = "failed"
)

// String returns the status name.
func (s Status) String() string { return string(s) }

// legalEdges maps each status to the statuses it may transition to.
// Failed may only move to Removing (forced cleanup); every status may
// move to Failed.
var legalEdges = map[Status][]Status{
	StatusAbsent:     {StatusInstalling},
	StatusInstalling: {StatusRunning, StatusFailed},
	StatusRunning:    {StatusStopped, StatusRemoving, StatusFailed},
	StatusStopped:    {StatusRunning, StatusRemoving, StatusFailed},
	StatusRemoving:   {StatusAbsent, StatusFailed},
	StatusFailed:     {StatusRemoving},
}

// CanTransition reports whether from -> to is a legal state machine edge.
//
// # Description
//
// Self-transitions are not edges: re-asserting the current status is the
// caller's no-op, not a transition. The Removing -> Absent edge is realized
// by deleting the registry record rather than writing StatusAbsent.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known status value.
//
// Used when reading persisted records written by newer or older versions.
func ValidStatus(s Status) bool {
	switch s {
	case StatusAbsent, StatusInstalling, StatusRunning, StatusStopped, StatusRemoving, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !ValidStatus(st) {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
