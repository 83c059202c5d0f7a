// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"slices"
	"strings"
)

// Entry is one node as captured by a Snapshot.
type Entry struct {
	Key        Key
	State      State
	Value      Value
	Err        error
	Deps       []Key
	ChangedAt  Version
	VerifiedAt Version
}

// Snapshot is a read-only, point-in-time view of every node holding a result.
// Later passes never change it.
type Snapshot struct {
	version Version
	entries map[Key]Entry
}

// Snapshot captures the current results. It waits for any running evaluation
// or invalidation pass to finish so it never observes a node mid-transition.
func (g *Graph) Snapshot() *Snapshot {
	g.phase.RLock()
	defer g.phase.RUnlock()

	snap := &Snapshot{
		version: g.Version(),
		entries: make(map[Key]Entry, g.Len()),
	}
	g.forEach(func(n *Node) {
		st := n.State()
		if st != StateDone && st != StateError {
			return
		}
		n.mu.Lock()
		e := Entry{
			Key:        n.key,
			State:      st,
			Value:      n.value,
			Err:        n.err,
			ChangedAt:  n.changedAt,
			VerifiedAt: n.verifiedAt,
		}
		groups := n.deps
		n.mu.Unlock()
		for _, grp := range groups {
			for _, d := range grp {
				e.Deps = append(e.Deps, g.Key(d))
			}
		}
		snap.entries[e.Key] = e
	})
	return snap
}

// Version is the graph version the snapshot was taken at.
func (s *Snapshot) Version() Version { return s.version }

// Len returns the number of captured entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Get returns key's value if it was Done.
func (s *Snapshot) Get(key Key) (Value, bool) {
	e, ok := s.entries[key]
	if !ok || e.State != StateDone {
		return nil, false
	}
	return e.Value, true
}

// Entry returns everything captured for key.
func (s *Snapshot) Entry(key Key) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Keys returns the captured keys sorted by their string form.
func (s *Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// Range calls fn for each entry in key order until fn returns false.
func (s *Snapshot) Range(fn func(Entry) bool) {
	for _, k := range s.Keys() {
		if !fn(s.entries[k]) {
			return
		}
	}
}
