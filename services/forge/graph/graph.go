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
	"fmt"
	"hash/maphash"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultShards is the number of key shards used when none is configured.
const DefaultShards = 64

type shard struct {
	mu    sync.RWMutex
	index map[Key]NodeID
	nodes []*Node
}

// Graph owns every node of one build session.
//
// Thread Safety: All methods are safe for concurrent use.
type Graph struct {
	shards    []shard
	shardBits uint
	mask      NodeID
	seed      maphash.Seed

	version atomic.Uint64
	size    atomic.Int64

	// phase serializes evaluation and invalidation; snapshots share it.
	phase sync.RWMutex
}

// Option configures a Graph.
type Option func(*Graph)

// WithShards sets the number of key shards. The value is rounded up to a
// power of two.
func WithShards(n int) Option {
	return func(g *Graph) {
		if n < 1 {
			n = 1
		}
		g.shardBits = uint(bits.Len(uint(n - 1)))
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		shardBits: uint(bits.Len(uint(DefaultShards - 1))),
		seed:      maphash.MakeSeed(),
	}
	for _, opt := range opts {
		opt(g)
	}
	count := 1 << g.shardBits
	g.mask = NodeID(count - 1)
	g.shards = make([]shard, count)
	for i := range g.shards {
		g.shards[i].index = make(map[Key]NodeID)
	}
	return g
}

func (g *Graph) shardFor(key Key) (*shard, NodeID) {
	idx := NodeID(maphash.Comparable(g.seed, key)) & g.mask
	return &g.shards[idx], idx
}

// Lookup returns the id of key's node, if it exists.
func (g *Graph) Lookup(key Key) (NodeID, bool) {
	s, _ := g.shardFor(key)
	s.mu.RLock()
	id, ok := s.index[key]
	s.mu.RUnlock()
	return id, ok
}

// GetOrCreate returns the id of key's node, creating a NotStarted node on
// first use.
func (g *Graph) GetOrCreate(key Key) NodeID {
	if id, ok := g.Lookup(key); ok {
		return id
	}
	s, idx := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.index[key]; ok {
		return id
	}
	id := NodeID(len(s.nodes))<<g.shardBits | idx
	s.nodes = append(s.nodes, newNode(id, key))
	s.index[key] = id
	g.size.Add(1)
	return id
}

// Node returns the node for id. It panics on an id the graph never issued.
func (g *Graph) Node(id NodeID) *Node {
	s := &g.shards[id&g.mask]
	local := int(id >> g.shardBits)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if local >= len(s.nodes) {
		panic(fmt.Sprintf("graph: unknown node id %d", id))
	}
	return s.nodes[local]
}

// NodeFor returns the node for key or ErrNodeNotFound.
func (g *Graph) NodeFor(key Key) (*Node, error) {
	id, ok := g.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	return g.Node(id), nil
}

// Key returns the key of node id.
func (g *Graph) Key(id NodeID) Key { return g.Node(id).key }

// Len returns the number of nodes.
func (g *Graph) Len() int { return int(g.size.Load()) }

// Version returns the current graph version.
func (g *Graph) Version() Version { return Version(g.version.Load()) }

// NextVersion advances and returns the graph version. Evaluators call it once
// at the start of each pass.
func (g *Graph) NextVersion() Version { return Version(g.version.Add(1)) }

// BeginEvaluation takes the phase lock for an evaluation pass and returns the
// function that releases it.
func (g *Graph) BeginEvaluation() func() {
	g.phase.Lock()
	return g.phase.Unlock
}

// BeginInvalidation takes the phase lock for an invalidation pass. It never
// overlaps an evaluation pass.
func (g *Graph) BeginInvalidation() func() {
	g.phase.Lock()
	return g.phase.Unlock
}

// forEach calls fn for every node. Nodes created during the walk may be missed.
func (g *Graph) forEach(fn func(*Node)) {
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.RLock()
		nodes := s.nodes[:len(s.nodes):len(s.nodes)]
		s.mu.RUnlock()
		for _, n := range nodes {
			fn(n)
		}
	}
}

// =============================================================================
// State Transitions
// =============================================================================

// TryStart moves a NotStarted or Dirty node into Evaluating. It reports the
// state it moved from; ok is false when another worker already owns the node
// or it already holds a current result.
func (g *Graph) TryStart(id NodeID) (from State, ok bool) {
	n := g.Node(id)
	for _, s := range [...]State{StateNotStarted, StateDirty} {
		if n.state.CompareAndSwap(int32(s), int32(StateEvaluating)) {
			return s, true
		}
	}
	return n.State(), false
}

// Read is a dependency's result as seen by a requesting node.
type Read struct {
	State     State
	Value     Value
	Err       error
	ChangedAt Version
}

// Request registers parent as a reverse dependency of dep and returns dep's
// result.
//
// Description:
//
//	The reverse edge is recorded under dep's lock before any value is handed
//	out, so an invalidation that reaches dep always reaches parent too. When
//	dep has no current result, parent is queued as a waiter in the same
//	critical section and pending is true; Complete, Fail, and MarkClean hand
//	the waiters back so they can be rescheduled. Passing NoParent skips edge
//	and waiter registration.
//
// Outputs:
//
//	Read - dep's state, value, and error. Only meaningful when pending is false.
//	pending - dep is NotStarted, Dirty, or Evaluating.
func (g *Graph) Request(dep, parent NodeID) (r Read, pending bool) {
	n := g.Node(dep)
	n.mu.Lock()
	if parent != NoParent {
		n.rdeps[parent] = struct{}{}
	}
	st := n.State()
	switch st {
	case StateDone, StateError:
		r = Read{State: st, Value: n.value, Err: n.err, ChangedAt: n.changedAt}
	default:
		pending = true
		r.State = st
		if parent != NoParent {
			n.waiters = append(n.waiters, parent)
		}
	}
	n.mu.Unlock()

	if parent != NoParent {
		p := g.Node(parent)
		p.mu.Lock()
		p.registered[dep] = struct{}{}
		p.mu.Unlock()
	}
	return r, pending
}

// Complete records a successful result for an Evaluating node.
//
// Description:
//
//	deps must be exactly the dependency groups read by the run that produced
//	value; reverse edges from any other previously registered dependency are
//	removed. When the node already held a value and equal reports the new one
//	equal to it, ChangedAt is left alone so dependents can be verified clean
//	without recomputing (change pruning).
//
// Outputs:
//
//	changed - Whether ChangedAt was advanced to version.
//	waiters - Nodes that were waiting on this one during the pass.
func (g *Graph) Complete(id NodeID, value Value, deps [][]NodeID, version Version, equal func(a, b Value) bool) (changed bool, waiters []NodeID) {
	n := g.Node(id)
	n.mu.Lock()
	changed = !n.hasValue || n.err != nil || equal == nil || !equal(n.value, value)
	if changed {
		n.changedAt = version
	}
	n.value = value
	n.err = nil
	n.hasValue = true
	n.verifiedAt = version
	n.deps = deps
	n.dirty = DirtyNone

	keep := flattenGroups(deps)
	var stale []NodeID
	for d := range n.registered {
		if _, ok := keep[d]; !ok {
			stale = append(stale, d)
		}
	}
	n.registered = keep
	waiters = n.waiters
	n.waiters = nil
	n.state.Store(int32(StateDone))
	n.mu.Unlock()

	for _, d := range stale {
		dn := g.Node(d)
		dn.mu.Lock()
		delete(dn.rdeps, id)
		dn.mu.Unlock()
	}
	return changed, waiters
}

// Fail records a terminal error for an Evaluating node. deps are the groups
// read before the failure; every registered reverse edge is kept so a change
// to any of them re-runs the node.
func (g *Graph) Fail(id NodeID, err error, deps [][]NodeID, version Version) (waiters []NodeID) {
	n := g.Node(id)
	n.mu.Lock()
	n.value = nil
	n.hasValue = false
	n.err = err
	n.changedAt = version
	n.verifiedAt = version
	n.deps = deps
	n.dirty = DirtyNone
	waiters = n.waiters
	n.waiters = nil
	n.state.Store(int32(StateError))
	n.mu.Unlock()
	return waiters
}

// MarkClean restores a dirty node's previous result after its dependencies
// were verified unchanged.
func (g *Graph) MarkClean(id NodeID, version Version) (waiters []NodeID) {
	n := g.Node(id)
	n.mu.Lock()
	n.verifiedAt = version
	n.dirty = DirtyNone
	waiters = n.waiters
	n.waiters = nil
	if n.err != nil {
		n.state.Store(int32(StateError))
	} else {
		n.state.Store(int32(StateDone))
	}
	n.mu.Unlock()
	return waiters
}

// Revert returns an interrupted Evaluating node to the state a later pass can
// start from: Dirty if it held a previous result, NotStarted otherwise.
// Waiters are dropped.
func (g *Graph) Revert(id NodeID) {
	n := g.Node(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() != StateEvaluating {
		return
	}
	n.waiters = nil
	if n.hadResult() {
		if n.dirty == DirtyNone {
			n.dirty = DirtyChanged
		}
		n.state.Store(int32(StateDirty))
		return
	}
	n.state.Store(int32(StateNotStarted))
}

// MarkDirty moves a Done or Error node to Dirty. It reports whether the node
// was newly dirtied; an already dirty node only has its kind upgraded from
// DirtyMaybe to DirtyChanged.
func (g *Graph) MarkDirty(id NodeID, kind DirtyKind) bool {
	n := g.Node(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.State() {
	case StateDone, StateError:
		n.dirty = kind
		n.state.Store(int32(StateDirty))
		return true
	case StateDirty:
		if kind > n.dirty {
			n.dirty = kind
		}
	}
	return false
}

// SetStamp records the external change stamp for id.
func (g *Graph) SetStamp(id NodeID, stamp string) {
	n := g.Node(id)
	n.mu.Lock()
	n.stamp = stamp
	n.mu.Unlock()
}
