// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package lifecycle drives service instances through their operations.

The orchestrator resolves an instance to its resource set, walks the
ordered step list for the requested operation, and records the outcome of
every step in a Run. Steps are classified critical or non-critical per
(operation, step) pair: a critical failure aborts the flow and moves the
instance to the failed state, a non-critical failure is logged, surfaced
as a warning, and never blocks the flow.

# Thread Safety

One in-flight operation per instance name is enforced with a fail-fast
guard; a second caller gets ErrConcurrentOperation instead of queueing.
Shared-resource decisions (releasing a reference-counted network) are
additionally serialized on the resource name, so two concurrent removals
cannot both observe "nobody else needs it".
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/health"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/integrations"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/registry"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/runtime"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// =============================================================================
// Dependencies
// =============================================================================

// Composer is the slice of the compose runner the orchestrator needs.
type Composer interface {
	Up(ctx context.Context, dir string) error
	Stop(ctx context.Context, dir string) error
	Pull(ctx context.Context, dir string) error
}

var _ Composer = (*runtime.ComposeRunner)(nil)

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry   registry.Store
	Locator    *locate.Locator
	Runtime    runtime.Runtime
	Compose    Composer
	Adapters   integrations.Set
	Dependents *integrations.DependentConfig
	SharedNet  *integrations.SharedNetwork
	Health     *health.Checker
	Log        *logging.Logger
}

// Orchestrator executes lifecycle operations against service instances.
type Orchestrator struct {
	reg        registry.Store
	loc        *locate.Locator
	rt         runtime.Runtime
	comp       Composer
	adapters   integrations.Set
	dependents *integrations.DependentConfig
	sharedNet  *integrations.SharedNetwork
	health     *health.Checker
	log        *logging.Logger

	inflight *inflightSet
	netLocks *keyedMutex
}

// New creates an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		reg:        d.Registry,
		loc:        d.Locator,
		rt:         d.Runtime,
		comp:       d.Compose,
		adapters:   d.Adapters,
		dependents: d.Dependents,
		sharedNet:  d.SharedNet,
		health:     d.Health,
		log:        d.Log,
		inflight:   newInflightSet(),
		netLocks:   newKeyedMutex(),
	}
}

// =============================================================================
// Criticality
// =============================================================================

// nonCriticalSteps lists the (operation, step) pairs whose failure must not
// block the flow. Everything else is critical.
var nonCriticalSteps = map[service.Operation]map[service.Step]bool{
	service.OpInstall: {
		service.StepIntegrate: true,
	},
	service.OpStart: {
		service.StepIntegrate: true,
	},
	service.OpRemove: {
		service.StepUpdateDependents:    true,
		service.StepCleanupIntegrations: true,
	},
}

// Critical reports whether a step failure aborts the given operation.
func Critical(op service.Operation, step service.Step) bool {
	return !nonCriticalSteps[op][step]
}

// PlannedStep is one entry of an operation plan.
type PlannedStep struct {
	Step     service.Step
	Critical bool
}

// Plan returns the ordered steps an operation would execute for a type,
// without touching any state.
func Plan(typ service.Type, op service.Operation) ([]PlannedStep, error) {
	desc, err := service.Lookup(typ)
	if err != nil {
		return nil, err
	}
	steps, ok := desc.Flows[op]
	if !ok {
		return nil, fmt.Errorf("type %q has no %s flow", typ, op)
	}
	out := make([]PlannedStep, len(steps))
	for i, s := range steps {
		out[i] = PlannedStep{Step: s, Critical: Critical(op, s)}
	}
	return out, nil
}

// InstancePlan previews an operation against a named instance: the steps
// in order and the resources they would touch.
type InstancePlan struct {
	Instance  string
	Type      service.Type
	Operation service.Operation
	Steps     []PlannedStep
	Resources []string
}

// PlanFor resolves a named instance and previews an operation on it,
// without executing anything. Registered instances supply their own type;
// for an install preview of a not-yet-registered name, typ supplies it.
func (o *Orchestrator) PlanFor(name string, op service.Operation, typ service.Type) (*InstancePlan, error) {
	if err := locate.ValidateName(name); err != nil {
		return nil, err
	}

	inst, err := o.reg.Get(name)
	switch {
	case err == nil:
		typ = inst.Type
	case errors.Is(err, registry.ErrNotFound):
		if typ == "" {
			return nil, fmt.Errorf("%w: %q (pass the service type to preview an install)", ErrNotInstalled, name)
		}
	default:
		return nil, err
	}

	steps, err := Plan(typ, op)
	if err != nil {
		return nil, err
	}
	desc, err := service.Lookup(typ)
	if err != nil {
		return nil, err
	}
	rs, err := o.loc.Resolve(name, desc)
	if err != nil {
		return nil, err
	}
	return &InstancePlan{
		Instance:  name,
		Type:      typ,
		Operation: op,
		Steps:     steps,
		Resources: rs.Identifiers(),
	}, nil
}

// =============================================================================
// Step Execution Engine
// =============================================================================

// execution is the mutable context threaded through a flow's steps.
type execution struct {
	inst *service.Instance
	desc *service.Descriptor
	rs   *locate.ResourceSet
	dir  string

	// params are the overrides passed to this operation, kept separate
	// from the instance metadata so rendering can tell "explicitly set
	// now" from "left over from an earlier operation".
	params map[string]string

	// createdDirs tracks directories made by this run, for install rollback.
	createdDirs []string
}

type stepFunc func(ctx context.Context, ex *execution) error

// runFlow executes the steps in order, recording each outcome on the run.
//
// Cancellation is honored between steps only: an in-progress step finishes
// (or fails on its own), and the remaining steps are marked skipped.
// Returns the critical error that aborted the flow, or nil.
func (o *Orchestrator) runFlow(ctx context.Context, run *Run, op service.Operation, ex *execution) error {
	var abort error
	for i := range run.Steps {
		step := run.Steps[i].Step
		if abort != nil || ctx.Err() != nil {
			run.record(i, StepSkipped, nil)
			if abort == nil {
				abort = ctx.Err()
			}
			continue
		}

		run.Steps[i].StartedAt = time.Now().UTC()
		log := o.log.With("instance", ex.inst.Name, "operation", string(op), "step", string(step))
		log.Debug("step starting")

		err := o.dispatch(step)(ctx, ex)
		switch {
		case err == nil:
			run.record(i, StepSucceeded, nil)
		case Critical(op, step):
			run.record(i, StepFailedCritical, err)
			log.Error("critical step failed", "error", err)
			abort = &CriticalStepError{Step: step, Cause: err}
		default:
			run.record(i, StepFailedNonCritical, err)
			log.Warn("non-critical step failed, continuing", "error", err)
		}
	}
	run.finish(abort != nil)
	observeRun(run)
	return abort
}

// dispatch maps a step name to its implementation. Steps shared between
// flows (start_services, stop_services) resolve to the same function.
func (o *Orchestrator) dispatch(step service.Step) stepFunc {
	switch step {
	case service.StepCreateDirectories:
		return o.stepCreateDirectories
	case service.StepCopyConfigs:
		return o.stepCopyConfigs
	case service.StepSetupNetworking:
		return o.stepSetupNetworking
	case service.StepStartServices:
		return o.stepStartServices
	case service.StepIntegrate:
		return o.stepIntegrate
	case service.StepStopServices:
		return o.stepStopServices
	case service.StepUpdateDependents:
		return o.stepUpdateDependents
	case service.StepCleanupIntegrations:
		return o.stepCleanupIntegrations
	case service.StepRemoveContainers:
		return o.stepRemoveContainers
	case service.StepRemoveVolumes:
		return o.stepRemoveVolumes
	case service.StepRemoveNetworks:
		return o.stepRemoveNetworks
	case service.StepRemoveDirectories:
		return o.stepRemoveDirectories
	case service.StepUnregister:
		return o.stepUnregister
	case service.StepPullImages:
		return o.stepPullImages
	case service.StepRecreateServices:
		return o.stepRecreateServices
	case service.StepHealthCheck:
		return o.stepHealthCheck
	}
	return func(context.Context, *execution) error {
		return fmt.Errorf("no implementation for step %q", step)
	}
}

// newExecution resolves an instance's descriptor and resource set.
func (o *Orchestrator) newExecution(inst *service.Instance) (*execution, error) {
	desc, err := service.Lookup(inst.Type)
	if err != nil {
		return nil, err
	}
	rs, err := o.loc.Resolve(inst.Name, desc)
	if err != nil {
		return nil, err
	}
	dir, err := o.loc.InstanceDir(inst.Name, desc)
	if err != nil {
		return nil, err
	}
	return &execution{inst: inst, desc: desc, rs: rs, dir: dir}, nil
}

// =============================================================================
// Operations
// =============================================================================

// Install provisions a new instance of the given type.
//
// # Description
//
// Registers the instance in the installing state, runs the install flow,
// and marks it running on success. A critical failure triggers a
// best-effort rollback of the resources created so far and leaves the
// instance failed; the record stays registered so the failure is visible
// and removable.
//
// # Inputs
//
//   - params: per-instance configuration merged into the record's metadata
//     (image pins as "image.<role>", endpoint lists under the type's env key)
//
// # Outputs
//
//   - *Run: the step-by-step record, also returned on failure
//   - error: ErrConcurrentOperation, registry.ErrAlreadyExists, or the
//     critical step error
func (o *Orchestrator) Install(ctx context.Context, typ service.Type, name string, params map[string]string) (*Run, error) {
	if err := locate.ValidateName(name); err != nil {
		return nil, err
	}
	if !o.inflight.tryAcquire(name) {
		return nil, fmt.Errorf("%w: %q", ErrConcurrentOperation, name)
	}
	defer o.inflight.release(name)

	desc, err := service.Lookup(typ)
	if err != nil {
		return nil, err
	}

	inst := &service.Instance{
		Name:   name,
		Type:   typ,
		Status: service.StatusInstalling,
	}
	for k, v := range params {
		inst.SetMeta(k, v)
	}
	ex, err := o.newExecution(inst)
	if err != nil {
		return nil, err
	}
	ex.params = params
	inst.Resources = ex.rs.Identifiers()

	if err := o.reg.Create(inst); err != nil {
		return nil, err
	}

	run := newRun(name, service.OpInstall, desc.Flows[service.OpInstall])
	if abort := o.runFlow(ctx, run, service.OpInstall, ex); abort != nil {
		o.rollbackInstall(ctx, ex)
		if _, terr := o.reg.Transition(name, service.StatusFailed, abort.Error()); terr != nil {
			o.log.Error("failed to record install failure", "instance", name, "error", terr)
		}
		return run, abort
	}

	// Rendering may have computed metadata (endpoint lists); persist it
	// before flipping the status.
	if err := o.reg.Upsert(inst); err != nil {
		return run, err
	}
	if _, err := o.reg.Transition(name, service.StatusRunning, ""); err != nil {
		return run, err
	}
	return run, nil
}

// Remove tears an instance down and unregisters it.
//
// Removing an absent instance is a benign no-op: the returned run reports
// not-found and error is nil. Failed instances are removable; that is the
// only way out of the failed state.
func (o *Orchestrator) Remove(ctx context.Context, name string) (*Run, error) {
	if !o.inflight.tryAcquire(name) {
		return nil, fmt.Errorf("%w: %q", ErrConcurrentOperation, name)
	}
	defer o.inflight.release(name)

	inst, err := o.reg.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		return notFoundRun(name, service.OpRemove), nil
	}
	if err != nil {
		return nil, err
	}
	ex, err := o.newExecution(inst)
	if err != nil {
		return nil, err
	}

	if err := o.markRemoving(inst); err != nil {
		return nil, err
	}
	inst.Status = service.StatusRemoving

	run := newRun(name, service.OpRemove, ex.desc.Flows[service.OpRemove])
	if abort := o.runFlow(ctx, run, service.OpRemove, ex); abort != nil {
		if _, terr := o.reg.Transition(name, service.StatusFailed, abort.Error()); terr != nil {
			o.log.Error("failed to record remove failure", "instance", name, "error", terr)
		}
		return run, abort
	}
	return run, nil
}

// markRemoving moves an instance to the removing state. Records stranded
// in installing (crash mid-install) detour through failed first, since
// installing -> removing is not a legal edge.
func (o *Orchestrator) markRemoving(inst *service.Instance) error {
	if inst.Status == service.StatusInstalling {
		if _, err := o.reg.Transition(inst.Name, service.StatusFailed, "interrupted install"); err != nil {
			return err
		}
	}
	_, err := o.reg.Transition(inst.Name, service.StatusRemoving, "")
	return err
}

// Start brings a stopped instance back up.
func (o *Orchestrator) Start(ctx context.Context, name string) (*Run, error) {
	return o.toggle(ctx, name, service.OpStart, service.StatusRunning)
}

// Stop halts a running instance's containers without removing anything.
func (o *Orchestrator) Stop(ctx context.Context, name string) (*Run, error) {
	return o.toggle(ctx, name, service.OpStop, service.StatusStopped)
}

// toggle is the shared start/stop path: check the target edge, run the
// flow, and land on the target status.
func (o *Orchestrator) toggle(ctx context.Context, name string, op service.Operation, target service.Status) (*Run, error) {
	if !o.inflight.tryAcquire(name) {
		return nil, fmt.Errorf("%w: %q", ErrConcurrentOperation, name)
	}
	defer o.inflight.release(name)

	inst, err := o.reg.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}
	if err != nil {
		return nil, err
	}
	if !service.CanTransition(inst.Status, target) {
		return nil, fmt.Errorf("%w: cannot %s instance %q in state %s", ErrWrongState, op, name, inst.Status)
	}
	ex, err := o.newExecution(inst)
	if err != nil {
		return nil, err
	}

	run := newRun(name, op, ex.desc.Flows[op])
	if abort := o.runFlow(ctx, run, op, ex); abort != nil {
		if _, terr := o.reg.Transition(name, service.StatusFailed, abort.Error()); terr != nil {
			o.log.Error("failed to record failure", "instance", name, "operation", string(op), "error", terr)
		}
		return run, abort
	}
	if _, err := o.reg.Transition(name, target, ""); err != nil {
		return run, err
	}
	return run, nil
}

// Update pulls new images and recreates a running instance's containers.
//
// # Description
//
// Merges image pins from params into the record, re-renders the compose
// artifacts, then pulls and recreates. If any step fails, the previous
// artifacts are restored and the old containers are brought back up; the
// instance stays running on a successful rollback and is marked failed
// only when the rollback itself fails.
func (o *Orchestrator) Update(ctx context.Context, name string, params map[string]string) (*Run, error) {
	if !o.inflight.tryAcquire(name) {
		return nil, fmt.Errorf("%w: %q", ErrConcurrentOperation, name)
	}
	defer o.inflight.release(name)

	inst, err := o.reg.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}
	if err != nil {
		return nil, err
	}
	if inst.Status != service.StatusRunning {
		return nil, fmt.Errorf("%w: cannot update instance %q in state %s", ErrWrongState, name, inst.Status)
	}
	ex, err := o.newExecution(inst)
	if err != nil {
		return nil, err
	}
	ex.params = params

	backup, err := backupArtifacts(ex.dir)
	if err != nil {
		return nil, fmt.Errorf("backing up artifacts: %w", err)
	}

	for k, v := range params {
		inst.SetMeta(k, v)
	}
	if err := o.renderArtifacts(ex); err != nil {
		// A partial rendering (env written, compose failed) must not be
		// left behind for a still-running instance.
		if rerr := restoreArtifacts(ex.dir, backup); rerr != nil {
			o.log.Error("restoring artifacts after render failure", "instance", name, "error", rerr)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	run := newRun(name, service.OpUpdate, ex.desc.Flows[service.OpUpdate])
	abort := o.runFlow(ctx, run, service.OpUpdate, ex)
	if abort == nil {
		if err := o.reg.Upsert(inst); err != nil {
			return run, err
		}
		return run, nil
	}

	if rerr := o.rollbackUpdate(ctx, ex, backup); rerr != nil {
		o.log.Error("update rollback failed", "instance", name, "error", rerr)
		if _, terr := o.reg.Transition(name, service.StatusFailed, rerr.Error()); terr != nil {
			o.log.Error("failed to record update failure", "instance", name, "error", terr)
		}
		return run, errors.Join(abort, rerr)
	}
	o.log.Warn("update failed, previous version restored", "instance", name)
	return run, abort
}

// rollbackUpdate restores the backed-up artifacts and restarts the group
// on the previous images.
func (o *Orchestrator) rollbackUpdate(ctx context.Context, ex *execution, backup map[string][]byte) error {
	if err := restoreArtifacts(ex.dir, backup); err != nil {
		return err
	}
	if err := o.comp.Up(ctx, ex.dir); err != nil {
		return err
	}
	return o.health.WaitRunning(ctx, ex.rs.Containers)
}

// =============================================================================
// Queries
// =============================================================================

// Status returns the registry record for an instance.
func (o *Orchestrator) Status(name string) (*service.Instance, error) {
	inst, err := o.reg.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}
	return inst, err
}

// List returns all registered instances, optionally filtered by type.
func (o *Orchestrator) List(typeFilter ...service.Type) ([]*service.Instance, error) {
	return o.reg.List(typeFilter...)
}
