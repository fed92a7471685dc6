// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package registry is the durable source of truth for what is installed.

Each instance is persisted as one JSON document under
{home}/registry/{name}.json. Every write goes through a temp file, fsync,
and rename, so a crash mid-write never leaves a partially-written record —
the old record survives intact. Unknown JSON fields are ignored on read,
keeping the on-disk format forward compatible as the instance schema grows.

Status changes go through Transition, which enforces the lifecycle state
machine; Upsert deliberately cannot change status on an existing record, so
there is exactly one door for state changes.
*/
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/locate"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no record exists for the name.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidTransition is returned when a status change is not a legal
	// state machine edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyExists is returned by Create when the name is taken.
	ErrAlreadyExists = errors.New("instance already exists")
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the registry contract the orchestrator and the integration
// adapters depend on.
//
// # Thread Safety
//
// Implementations must allow concurrent reads; writes are serialized per
// instance name.
type Store interface {
	// Get returns a copy of the record for name, or ErrNotFound.
	Get(name string) (*service.Instance, error)

	// List returns copies of all records, optionally filtered by type,
	// sorted by name.
	List(typeFilter ...service.Type) ([]*service.Instance, error)

	// Create persists a new record. Fails with ErrAlreadyExists if the
	// name is taken.
	Create(inst *service.Instance) error

	// Upsert persists the record's non-status fields (metadata, resources,
	// last error). The stored status is preserved; use Transition to
	// change it.
	Upsert(inst *service.Instance) error

	// Transition atomically moves the instance to newStatus, validating
	// the edge and stamping UpdatedAt. lastErr annotates Failed states
	// ("" clears any previous error).
	Transition(name string, newStatus service.Status, lastErr string) (*service.Instance, error)

	// Remove deletes the record. Removing an absent name is not an error.
	Remove(name string) error
}

// =============================================================================
// File-backed Implementation
// =============================================================================

// FileStore implements Store on a directory of per-instance JSON files.
type FileStore struct {
	dir string
	log *logging.Logger

	// mu guards the lock map; each name gets its own RWMutex so writes
	// serialize per record while unrelated records proceed concurrently.
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// Open creates (if needed) the registry directory under home and returns
// a store over it.
func Open(home string, log *logging.Logger) (*FileStore, error) {
	dir := filepath.Join(home, "registry")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir %s: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		log:   log,
		locks: make(map[string]*sync.RWMutex),
	}, nil
}

func (s *FileStore) lockFor(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

func (s *FileStore) recordPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Get returns a copy of the record for name, or ErrNotFound.
func (s *FileStore) Get(name string) (*service.Instance, error) {
	if err := locate.ValidateName(name); err != nil {
		return nil, err
	}
	l := s.lockFor(name)
	l.RLock()
	defer l.RUnlock()
	return s.read(name)
}

// List returns copies of all records, optionally filtered by type.
func (s *FileStore) List(typeFilter ...service.Type) ([]*service.Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	wanted := func(t service.Type) bool {
		if len(typeFilter) == 0 {
			return true
		}
		for _, f := range typeFilter {
			if f == t {
				return true
			}
		}
		return false
	}

	var out []*service.Instance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		inst, err := s.Get(name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // removed between ReadDir and Get
			}
			// A record we cannot parse must not take the whole listing
			// down; skip it but say so.
			s.log.Warn("skipping unreadable registry record", "name", name, "error", err)
			continue
		}
		if wanted(inst.Type) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Create persists a new record, failing if the name is taken.
func (s *FileStore) Create(inst *service.Instance) error {
	if err := locate.ValidateName(inst.Name); err != nil {
		return err
	}
	l := s.lockFor(inst.Name)
	l.Lock()
	defer l.Unlock()

	if _, err := s.read(inst.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	rec := inst.Clone()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.write(rec)
}

// Upsert persists non-status fields; the stored status wins.
func (s *FileStore) Upsert(inst *service.Instance) error {
	if err := locate.ValidateName(inst.Name); err != nil {
		return err
	}
	l := s.lockFor(inst.Name)
	l.Lock()
	defer l.Unlock()

	rec := inst.Clone()
	current, err := s.read(inst.Name)
	switch {
	case err == nil:
		rec.Status = current.Status
		rec.CreatedAt = current.CreatedAt
	case errors.Is(err, ErrNotFound):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
	default:
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	return s.write(rec)
}

// Transition atomically moves the instance along a state machine edge.
//
// # Description
//
// Loads the current record under the per-name write lock, validates
// current -> newStatus against the legal-edge table, stamps UpdatedAt, and
// persists via temp+rename. Returns the updated record.
//
// # Error Conditions
//
//   - ErrNotFound: no record for name
//   - ErrInvalidTransition: the edge is not legal (error names both states)
func (s *FileStore) Transition(name string, newStatus service.Status, lastErr string) (*service.Instance, error) {
	if err := locate.ValidateName(name); err != nil {
		return nil, err
	}
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()

	current, err := s.read(name)
	if err != nil {
		return nil, err
	}
	if !service.CanTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s for %q", ErrInvalidTransition, current.Status, newStatus, name)
	}

	current.Status = newStatus
	current.LastError = lastErr
	current.UpdatedAt = time.Now().UTC()
	if err := s.write(current); err != nil {
		return nil, err
	}
	s.log.Debug("instance transitioned", "name", name, "status", newStatus)
	return current.Clone(), nil
}

// Remove deletes the record; absent names are a no-op.
func (s *FileStore) Remove(name string) error {
	if err := locate.ValidateName(name); err != nil {
		return err
	}
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.recordPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registry record %q: %w", name, err)
	}
	return nil
}

// =============================================================================
// Persistence
// =============================================================================

// read loads and parses a record. Callers hold at least the read lock.
func (s *FileStore) read(name string) (*service.Instance, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read registry record %q: %w", name, err)
	}

	var inst service.Instance
	// json.Unmarshal ignores unknown fields: records written by newer
	// versions stay readable.
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("parse registry record %q: %w", name, err)
	}
	if inst.Name == "" {
		inst.Name = name
	}
	if !service.ValidStatus(inst.Status) {
		return nil, fmt.Errorf("registry record %q has unknown status %q", name, inst.Status)
	}
	return &inst, nil
}

// write persists a record atomically: temp file in the same directory,
// fsync, then rename over the target. Callers hold the write lock.
func (s *FileStore) write(inst *service.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry record %q: %w", inst.Name, err)
	}

	tmp, err := os.CreateTemp(s.dir, inst.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpPath, s.recordPath(inst.Name)); err != nil {
		return fmt.Errorf("publish registry record %q: %w", inst.Name, err)
	}
	return nil
}
