// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

// =============================================================================
// Step Records
// =============================================================================

// StepStatus classifies the outcome of one step within a run.
type StepStatus string

const (
	StepPending           StepStatus = "pending"
	StepSucceeded         StepStatus = "succeeded"
	StepFailedCritical    StepStatus = "failed_critical"
	StepFailedNonCritical StepStatus = "failed_non_critical"
	StepSkipped           StepStatus = "skipped"
)

// StepRecord is the per-step account within a run.
type StepRecord struct {
	Step        service.Step
	Status      StepStatus
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// =============================================================================
// Lifecycle Runs
// =============================================================================

// RunStatus classifies a whole run's outcome.
type RunStatus string

const (
	// RunSucceeded: all critical steps passed, no non-critical failures.
	RunSucceeded RunStatus = "succeeded"

	// RunSucceededWithWarnings: all critical steps passed; one or more
	// non-critical failures are listed in Warnings.
	RunSucceededWithWarnings RunStatus = "succeeded_with_warnings"

	// RunFailed: a critical step failed; the instance is Failed.
	RunFailed RunStatus = "failed"

	// RunNotFound: the operation targeted an absent instance and was a
	// benign no-op (idempotent remove).
	RunNotFound RunStatus = "not_found"
)

// Run is the transient record of one operation invocation. It exists
// for progress reporting; it is not persisted.
type Run struct {
	ID        uuid.UUID
	Instance  string
	Operation service.Operation

	Steps []StepRecord

	// Warnings aggregates non-critical failures so the caller can warn
	// without blocking completion.
	Warnings []string

	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
}

// newRun builds a run with all steps pending.
func newRun(instance string, op service.Operation, steps []service.Step) *Run {
	r := &Run{
		ID:        uuid.New(),
		Instance:  instance,
		Operation: op,
		Steps:     make([]StepRecord, len(steps)),
		StartedAt: time.Now().UTC(),
	}
	for i, s := range steps {
		r.Steps[i] = StepRecord{Step: s, Status: StepPending}
	}
	return r
}

// notFoundRun represents an idempotent no-op on an absent instance.
func notFoundRun(instance string, op service.Operation) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:          uuid.New(),
		Instance:    instance,
		Operation:   op,
		Status:      RunNotFound,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// record marks the outcome of the step at index i.
func (r *Run) record(i int, status StepStatus, err error) {
	rec := &r.Steps[i]
	rec.Status = status
	rec.CompletedAt = time.Now().UTC()
	if err != nil {
		rec.Error = err.Error()
	}
	if status == StepFailedNonCritical {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", rec.Step, err))
	}
}

// finish stamps the completion time and derives the run status.
func (r *Run) finish(failed bool) {
	r.CompletedAt = time.Now().UTC()
	switch {
	case failed:
		r.Status = RunFailed
	case len(r.Warnings) > 0:
		r.Status = RunSucceededWithWarnings
	default:
		r.Status = RunSucceeded
	}
}

// FailedStep returns the critically-failed step record, or nil.
func (r *Run) FailedStep() *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Status == StepFailedCritical {
			return &r.Steps[i]
		}
	}
	return nil
}
