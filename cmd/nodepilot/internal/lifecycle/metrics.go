// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-side counters. The CLI is short-lived, so these matter mostly
// for tests and for a future daemon mode; registration is cheap either
// way.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodepilot_lifecycle_runs_total",
		Help: "Lifecycle runs by operation and outcome.",
	}, []string{"operation", "outcome"})

	stepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodepilot_lifecycle_step_failures_total",
		Help: "Step failures by operation, step name, and criticality.",
	}, []string{"operation", "step", "criticality"})
)

func observeRun(r *Run) {
	runsTotal.WithLabelValues(string(r.Operation), string(r.Status)).Inc()
	for _, s := range r.Steps {
		switch s.Status {
		case StepFailedCritical:
			stepFailuresTotal.WithLabelValues(string(r.Operation), string(s.Step), "critical").Inc()
		case StepFailedNonCritical:
			stepFailuresTotal.WithLabelValues(string(r.Operation), string(s.Step), "non_critical").Inc()
		}
	}
}
