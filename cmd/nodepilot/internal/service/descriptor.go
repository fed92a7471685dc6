// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package service defines the static service model of nodepilot: the service
types the tool can operate, the immutable per-type descriptors (resource
templates, dependency links, lifecycle flows), and the instance status
state machine.

Descriptors are built once at process start and never mutated afterwards.
Everything else in the engine — the resource locator, the registry, the
lifecycle orchestrator — is parameterized on this table rather than probing
the filesystem or the container runtime to discover what a service type
looks like.
*/
package service

import "fmt"

// =============================================================================
// Service Types
// =============================================================================

// Type identifies a service type the engine knows how to operate.
type Type string

const (
	// TypeEthNode is an execution/consensus client pair with its own
	// isolated network and data volumes.
	TypeEthNode Type = "ethnode"

	// TypeValidator is a validator client. Validators depend on ethnodes
	// (beacon endpoints) and share the validator network between them.
	TypeValidator Type = "validator"

	// TypeSigner is a remote-signing service on the shared validator network.
	TypeSigner Type = "signer"

	// TypeMetrics is the metrics and dashboard stack (collector + dashboards).
	TypeMetrics Type = "metrics"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	switch t {
	case TypeEthNode, TypeValidator, TypeSigner, TypeMetrics:
		return t, nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// =============================================================================
// Operations and Steps
// =============================================================================

// Operation is a lifecycle operation executed against an instance.
type Operation string

const (
	OpInstall Operation = "install"
	OpRemove  Operation = "remove"
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpUpdate  Operation = "update"
)

// Step names one unit of work inside a lifecycle flow. Criticality is not
// a property of the step itself; the orchestrator classifies each
// (operation, step) pair against a fixed table.
type Step string

const (
	// Install flow.
	StepCreateDirectories Step = "create_directories"
	StepCopyConfigs       Step = "copy_configs"
	StepSetupNetworking   Step = "setup_networking"
	StepStartServices     Step = "start_services"
	StepIntegrate         Step = "integrate"

	// Remove flow.
	StepStopServices        Step = "stop_services"
	StepUpdateDependents    Step = "update_dependents"
	StepCleanupIntegrations Step = "cleanup_integrations"
	StepRemoveContainers    Step = "remove_containers"
	StepRemoveVolumes       Step = "remove_volumes"
	StepRemoveNetworks      Step = "remove_networks"
	StepRemoveDirectories   Step = "remove_directories"
	StepUnregister          Step = "unregister"

	// Update flow.
	StepPullImages       Step = "pull_images"
	StepRecreateServices Step = "recreate_services"
	StepHealthCheck      Step = "health_check"
)

// =============================================================================
// Integration Kinds
// =============================================================================

// IntegrationKind names an integration adapter invoked at lifecycle points.
type IntegrationKind string

const (
	// IntegrationMetricsSync regenerates the metrics collector's scrape
	// configuration from the registry snapshot.
	IntegrationMetricsSync IntegrationKind = "metrics-sync"

	// IntegrationDependentConfig rewrites dependents' endpoint lists when
	// a dependency is removed.
	IntegrationDependentConfig IntegrationKind = "dependent-config"

	// IntegrationSharedNetwork reference-counts the shared network before
	// it is released.
	IntegrationSharedNetwork IntegrationKind = "shared-network"
)

// =============================================================================
// Descriptor
// =============================================================================

// NetworkTemplate describes the network a service type attaches to.
//
// A non-shared network is owned by the instance and named from its template
// (e.g. "${name}-net"); a shared network has a fixed name referenced by
// every instance of the declaring types and is released only when the last
// referencing instance is removed.
type NetworkTemplate struct {
	// Name is the network name template. May contain "${name}".
	Name string

	// Shared marks the network as reference-counted across instances.
	Shared bool
}

// Descriptor is the immutable definition of a service type.
//
// # Description
//
// A Descriptor carries everything the engine needs to operate instances of
// the type: templated resource names, directory layout, dependency links to
// other types, the integration adapters to invoke on lifecycle transitions,
// and the ordered step list per operation. Templates use the single
// placeholder "${name}", substituted with the validated instance name by the
// resource locator — deliberately not a general template language.
//
// # Thread Safety
//
// Descriptors are immutable after Descriptors() builds the table; they are
// safe to share between goroutines without synchronization.
type Descriptor struct {
	// Type is the service type this descriptor defines.
	Type Type

	// Containers are container name templates, one per container in the
	// instance's group (e.g. "${name}-execution", "${name}-consensus").
	Containers []string

	// Volumes are data volume name templates.
	Volumes []string

	// Network is the network the instance group attaches to.
	Network NetworkTemplate

	// Directories are instance directory templates relative to the tool
	// home (e.g. "services/${name}").
	Directories []string

	// Dependencies are the service types this type requires to function.
	Dependencies []Type

	// Dependents are the service types that reference this type and must
	// be updated when an instance of this type is removed.
	Dependents []Type

	// Integrations are the adapters invoked on lifecycle transitions.
	Integrations []IntegrationKind

	// Flows are the ordered step lists per operation.
	Flows map[Operation][]Step

	// MetricsPort is the port the metrics collector scrapes on each
	// container of this type. Zero means the type is not scraped.
	MetricsPort int

	// Images maps container roles to default image references, keyed by
	// the suffix of the container template ("execution", "consensus", ...)
	// or "" for single-container types.
	Images map[string]string

	// EndpointTemplate renders the connection endpoint an instance of
	// this type exposes to its dependents. Empty if no type depends on it.
	EndpointTemplate string

	// EndpointKey is the env file key under which an instance of this
	// type stores its dependency endpoint list. Empty if the type has no
	// dependencies of that shape.
	EndpointKey string
}

// SharedNetworkValidator is the fixed name of the network shared by
// validator and signer instances.
const SharedNetworkValidator = "validator-net"

// standardRemoveFlow is the canonical remove step order. Shared across
// all types; per-step behavior degrades gracefully for types without
// dependents or a private network.
var standardRemoveFlow = []Step{
	StepStopServices,
	StepUpdateDependents,
	StepCleanupIntegrations,
	StepRemoveContainers,
	StepRemoveVolumes,
	StepRemoveNetworks,
	StepRemoveDirectories,
	StepUnregister,
}

var standardInstallFlow = []Step{
	StepCreateDirectories,
	StepCopyConfigs,
	StepSetupNetworking,
	StepStartServices,
	StepIntegrate,
}

var standardUpdateFlow = []Step{
	StepPullImages,
	StepRecreateServices,
	StepHealthCheck,
}

func standardFlows() map[Operation][]Step {
	return map[Operation][]Step{
		OpInstall: standardInstallFlow,
		OpRemove:  standardRemoveFlow,
		OpStart:   {StepStartServices, StepIntegrate},
		OpStop:    {StepStopServices},
		OpUpdate:  standardUpdateFlow,
	}
}

// descriptorTable is built once by init and never mutated.
var descriptorTable = buildDescriptors()

// Descriptors returns the immutable descriptor table, keyed by type.
//
// Callers must not mutate the returned map or the descriptors it holds.
func Descriptors() map[Type]*Descriptor { return descriptorTable }

// Lookup returns the descriptor for a type.
func Lookup(t Type) (*Descriptor, error) {
	d, ok := descriptorTable[t]
	if !ok {
		return nil, fmt.Errorf("no descriptor for service type %q", t)
	}
	return d, nil
}

func buildDescriptors() map[Type]*Descriptor {
	return map[Type]*Descriptor{
		TypeEthNode: {
			Type:       TypeEthNode,
			Containers: []string{"${name}-execution", "${name}-consensus"},
			Volumes:    []string{"${name}-execution-data", "${name}-consensus-data"},
			Network:    NetworkTemplate{Name: "${name}-net"},
			Directories: []string{
				"services/${name}",
			},
			Dependents: []Type{TypeValidator, TypeMetrics},
			Integrations: []IntegrationKind{
				IntegrationMetricsSync,
				IntegrationDependentConfig,
			},
			Flows:       standardFlows(),
			MetricsPort: 6060,
			Images: map[string]string{
				"execution": "ethereum/client-go:stable",
				"consensus": "sigp/lighthouse:latest",
			},
			// Dependents reach the consensus client's HTTP API.
			EndpointTemplate: "http://${name}-consensus:5052",
		},
		TypeValidator: {
			Type:       TypeValidator,
			Containers: []string{"${name}"},
			Volumes:    []string{"${name}-data"},
			Network:    NetworkTemplate{Name: SharedNetworkValidator, Shared: true},
			Directories: []string{
				"services/${name}",
			},
			Dependencies: []Type{TypeEthNode},
			Integrations: []IntegrationKind{
				IntegrationMetricsSync,
				IntegrationSharedNetwork,
			},
			Flows:       standardFlows(),
			MetricsPort: 9010,
			Images: map[string]string{
				"": "ghcr.io/serenita-org/vero:latest",
			},
			EndpointKey: "BEACON_NODE_URLS",
		},
		TypeSigner: {
			Type:       TypeSigner,
			Containers: []string{"${name}"},
			Volumes:    []string{"${name}-data"},
			Network:    NetworkTemplate{Name: SharedNetworkValidator, Shared: true},
			Directories: []string{
				"services/${name}",
			},
			Dependents: []Type{TypeValidator},
			Integrations: []IntegrationKind{
				IntegrationMetricsSync,
				IntegrationSharedNetwork,
			},
			Flows:       standardFlows(),
			MetricsPort: 9001,
			Images: map[string]string{
				"": "consensys/web3signer:latest",
			},
			EndpointTemplate: "http://${name}:9000",
		},
		TypeMetrics: {
			Type:       TypeMetrics,
			Containers: []string{"${name}-prometheus", "${name}-grafana"},
			Volumes:    []string{"${name}-prometheus-data", "${name}-grafana-data"},
			Network:    NetworkTemplate{Name: "${name}-net"},
			Directories: []string{
				"services/${name}",
			},
			Integrations: []IntegrationKind{
				IntegrationMetricsSync,
			},
			Flows: standardFlows(),
			Images: map[string]string{
				"prometheus": "prom/prometheus:latest",
				"grafana":    "grafana/grafana:latest",
			},
		},
	}
}
