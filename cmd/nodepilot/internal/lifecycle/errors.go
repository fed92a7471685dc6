// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

var (
	// ErrConcurrentOperation is returned when an operation is requested
	// on an instance that already has one in flight.
	ErrConcurrentOperation = errors.New("another operation is in progress for this instance")

	// ErrNotInstalled is returned by operations that require an existing
	// instance.
	ErrNotInstalled = errors.New("instance is not installed")

	// ErrWrongState is returned when the instance's current status does
	// not permit the requested operation.
	ErrWrongState = errors.New("operation not allowed in current state")
)

// CriticalStepError aborts a run. It names the failing step so status
// output and retry tooling can point at it.
type CriticalStepError struct {
	Step  service.Step
	Cause error
}

func (e *CriticalStepError) Error() string {
	return fmt.Sprintf("critical step %q failed: %v", e.Step, e.Cause)
}

func (e *CriticalStepError) Unwrap() error {
	return e.Cause
}
