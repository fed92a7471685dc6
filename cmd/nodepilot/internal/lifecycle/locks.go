// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import "sync"

// inflightSet enforces single-flight per instance name. Acquisition is
// try-only: a second operation on the same name fails fast instead of
// queueing behind the first.
type inflightSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{active: make(map[string]struct{})}
}

// tryAcquire claims the name. Returns false if an operation already
// holds it.
func (s *inflightSet) tryAcquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[name]; busy {
		return false
	}
	s.active[name] = struct{}{}
	return true
}

// release frees the name. Releasing an unheld name is a no-op.
func (s *inflightSet) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, name)
}

// keyedMutex serializes steps that create or remove the same shared
// resource. Unlike inflightSet, waiters block: two removes touching the
// shared validator network must both complete, in some order.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the named mutex and returns its unlock function.
func (k *keyedMutex) lock(name string) func() {
	k.mu.Lock()
	m, ok := k.locks[name]
	if !ok {
		m = &sync.Mutex{}
		k.locks[name] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
