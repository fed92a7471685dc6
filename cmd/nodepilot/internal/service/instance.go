// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package service

import "time"

// Instance is one named, installed occurrence of a service type.
//
// # Description
//
// Instances are created when an install flow begins and deleted from the
// registry only after a remove flow's final step succeeds. The struct is
// the persisted registry record; unknown JSON fields written by newer
// versions are ignored on read, so the schema can grow without breaking
// older binaries.
//
// Metadata carries per-instance configuration the descriptors cannot know:
// dependency endpoint lists, image pin overrides, port assignments. Keys
// are free-form strings by design — the registry does not interpret them.
type Instance struct {
	// Name is the unique instance key (e.g. "ethnode1", "vero").
	Name string `json:"name"`

	// Type references the service descriptor.
	Type Type `json:"type"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// CreatedAt is when the install flow first registered the instance.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is stamped on every successful transition.
	UpdatedAt time.Time `json:"updated_at"`

	// LastError holds the failing step and cause after a critical failure.
	LastError string `json:"last_error,omitempty"`

	// Metadata holds per-instance configuration (endpoint lists, image pins).
	Metadata map[string]string `json:"metadata,omitempty"`

	// Resources lists the declared resource identifiers at install time.
	Resources []string `json:"resources,omitempty"`
}

// Clone returns a deep copy, so callers can mutate without racing the
// registry's cached record.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	if i.Resources != nil {
		out.Resources = append([]string(nil), i.Resources...)
	}
	return &out
}

// Meta returns the metadata value for key, or "" when unset.
func (i *Instance) Meta(key string) string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata[key]
}

// SetMeta sets a metadata key, allocating the map on first use.
func (i *Instance) SetMeta(key, value string) {
	if i.Metadata == nil {
		i.Metadata = make(map[string]string)
	}
	i.Metadata[key] = value
}
