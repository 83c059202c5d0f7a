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
	"sync"
	"sync/atomic"
)

// Node is one computation in the graph.
//
// The state is readable without locking. Everything else is guarded by mu;
// no code path holds the locks of two nodes at once.
type Node struct {
	id  NodeID
	key Key

	state atomic.Int32

	mu         sync.Mutex
	value      Value
	err        error
	hasValue   bool
	deps       [][]NodeID
	rdeps      map[NodeID]struct{}
	registered map[NodeID]struct{}
	waiters    []NodeID
	changedAt  Version
	verifiedAt Version
	stamp      string
	dirty      DirtyKind
}

func newNode(id NodeID, key Key) *Node {
	return &Node{
		id:         id,
		key:        key,
		rdeps:      make(map[NodeID]struct{}),
		registered: make(map[NodeID]struct{}),
	}
}

// ID returns the node's arena handle.
func (n *Node) ID() NodeID { return n.id }

// Key returns the node's key.
func (n *Node) Key() Key { return n.key }

// State returns the node's current state.
func (n *Node) State() State { return State(n.state.Load()) }

// Result returns the node's value and terminal error. Both are zero unless
// the node is Done, Error, or Dirty with a previous result.
func (n *Node) Result() (Value, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value, n.err
}

// Deps returns the dependency groups recorded by the last completed run.
func (n *Node) Deps() [][]NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]NodeID, len(n.deps))
	for i, g := range n.deps {
		out[i] = slices.Clone(g)
	}
	return out
}

// ReverseDeps returns the ids of every node that registered a read of n.
func (n *Node) ReverseDeps() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NodeID, 0, len(n.rdeps))
	for id := range n.rdeps {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ChangedAt returns the version at which the node's result last changed.
func (n *Node) ChangedAt() Version {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changedAt
}

// VerifiedAt returns the version at which the node was last up to date.
func (n *Node) VerifiedAt() Version {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verifiedAt
}

// Dirty returns why the node was dirtied, or DirtyNone.
func (n *Node) Dirty() DirtyKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// Stamp returns the external change stamp last recorded for the node.
func (n *Node) Stamp() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stamp
}

// hadResult reports whether a previous pass left a value or error behind.
// Caller must hold mu.
func (n *Node) hadResult() bool {
	return n.hasValue || n.err != nil
}

func flattenGroups(groups [][]NodeID) map[NodeID]struct{} {
	set := make(map[NodeID]struct{})
	for _, g := range groups {
		for _, id := range g {
			set[id] = struct{}{}
		}
	}
	return set
}
