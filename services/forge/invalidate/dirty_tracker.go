// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invalidate

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// DirtyEntry contains metadata about a dirty path.
type DirtyEntry struct {
	// Path is the changed path, as reported by its source.
	Path string

	// Op is the last operation seen for the path.
	Op FileOp

	// MarkedAt is when the path was last marked dirty.
	MarkedAt time.Time

	// Source indicates how the path became dirty ("watcher", "manual", "api").
	Source string
}

// KeyMapper returns the graph keys whose value depends directly on path.
type KeyMapper func(path string) []graph.Key

// Stamper returns the stamp describing path's current state, such as a
// content digest. Returning "" marks the path as changed unconditionally.
type Stamper func(path string) string

// DirtyTracker accumulates changed paths between invalidation passes.
//
// Description:
//
//	Sources record paths as they change; the build loop periodically turns
//	the accumulated set into invalidation Changes and clears what it
//	consumed. Marking the same path repeatedly keeps one entry.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type DirtyTracker struct {
	mu      sync.RWMutex
	dirty   map[string]DirtyEntry
	enabled bool
}

// NewDirtyTracker creates an enabled tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{
		dirty:   make(map[string]DirtyEntry),
		enabled: true,
	}
}

// MarkDirty records a manual change to path.
func (d *DirtyTracker) MarkDirty(path string) {
	d.MarkDirtyWithSource(path, FileOpWrite, "manual")
}

// MarkDirtyWithSource records a change to path from source.
func (d *DirtyTracker) MarkDirtyWithSource(path string, op FileOp, source string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return
	}
	d.dirty[path] = DirtyEntry{
		Path:     path,
		Op:       op,
		MarkedAt: time.Now(),
		Source:   source,
	}
}

// MarkDirtyFromWatcher records a batch of changes from a FileWatcher. Removals
// are recorded too: a deleted input is a changed input.
func (d *DirtyTracker) MarkDirtyFromWatcher(changes []FileChange) {
	for _, c := range changes {
		d.MarkDirtyWithSource(c.Path, c.Op, "watcher")
	}
}

// HasDirty returns true if any paths are marked dirty.
func (d *DirtyTracker) HasDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dirty) > 0
}

// Count returns the number of dirty paths.
func (d *DirtyTracker) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dirty)
}

// GetDirtyEntries returns the dirty entries sorted by path. It does not clear
// the set; call Clear after the entries were applied.
func (d *DirtyTracker) GetDirtyEntries() []DirtyEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]DirtyEntry, 0, len(d.dirty))
	for _, e := range d.dirty {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// Changes converts the dirty entries into invalidation changes.
//
// Inputs:
//
//	mapper - Maps each path to the keys reading it. Paths mapping to no key
//	         are skipped.
//	stamper - Computes each path's stamp. Nil uses the time the path was
//	          marked, which always counts as a change.
//
// Outputs:
//
//	[]Change - One change per mapped key, in path order.
//	[]DirtyEntry - The entries consumed, to pass to Clear once applied.
func (d *DirtyTracker) Changes(mapper KeyMapper, stamper Stamper) ([]Change, []DirtyEntry) {
	entries := d.GetDirtyEntries()
	changes := make([]Change, 0, len(entries))
	for _, e := range entries {
		var stamp string
		switch {
		case e.Op == FileOpRemove:
			stamp = "removed"
		case stamper != nil:
			stamp = stamper(e.Path)
		default:
			stamp = strconv.FormatInt(e.MarkedAt.UnixNano(), 10)
		}
		for _, k := range mapper(e.Path) {
			changes = append(changes, Change{Key: k, Stamp: stamp})
		}
	}
	return changes, entries
}

// Clear removes consumed entries from the dirty set and returns how many were
// removed. An entry re-marked since it was read is kept for the next round.
func (d *DirtyTracker) Clear(entries []DirtyEntry) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := 0
	for _, e := range entries {
		cur, ok := d.dirty[e.Path]
		if ok && cur.MarkedAt.Equal(e.MarkedAt) {
			delete(d.dirty, e.Path)
			cleared++
		}
	}
	return cleared
}

// ClearAll empties the dirty set.
func (d *DirtyTracker) ClearAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.dirty)
	d.dirty = make(map[string]DirtyEntry)
	return n
}

// Enable turns tracking on.
func (d *DirtyTracker) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
}

// Disable turns tracking off; marks become no-ops.
func (d *DirtyTracker) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
}

// IsEnabled returns true if tracking is enabled.
func (d *DirtyTracker) IsEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}
