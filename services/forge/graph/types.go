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
	"errors"
	"fmt"
	"reflect"
)

// ErrNodeNotFound is returned when a key has no node in the graph.
var ErrNodeNotFound = errors.New("node not found")

// Kind names a family of computations, such as "file" or "action".
type Kind string

// Key identifies one computation. Two keys are equal when their kinds and
// arguments are equal, so Arg must hold a comparable value.
type Key struct {
	Kind Kind
	Arg  any
}

// NewKey builds a Key and panics if arg is not comparable. Map-keying a
// non-comparable argument would otherwise panic later, far from the mistake.
func NewKey(kind Kind, arg any) Key {
	if arg != nil && !reflect.TypeOf(arg).Comparable() {
		panic(fmt.Sprintf("graph: key argument of type %T is not comparable", arg))
	}
	return Key{Kind: kind, Arg: arg}
}

// String renders the key as kind:arg.
func (k Key) String() string {
	return fmt.Sprintf("%s:%v", k.Kind, k.Arg)
}

// Value is the result of a computation. Values must be treated as immutable
// once returned.
type Value = any

// NodeID addresses a node in the graph's arena.
type NodeID uint32

// NoParent is passed to Request for top-level requests that have no
// requesting node.
const NoParent NodeID = ^NodeID(0)

// Version is a graph-wide logical clock advanced once per evaluation pass.
type Version uint64

// State is the lifecycle state of a node.
type State int32

const (
	// StateNotStarted means the node has never been evaluated.
	StateNotStarted State = iota

	// StateEvaluating means a worker owns the node for the current pass.
	StateEvaluating

	// StateDone means the node holds a current value.
	StateDone

	// StateError means the node holds a terminal error.
	StateError

	// StateDirty means the node's previous result may be stale.
	StateDirty
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateEvaluating:
		return "evaluating"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// DirtyKind records why a node was dirtied.
type DirtyKind uint8

const (
	// DirtyNone means the node is not dirty.
	DirtyNone DirtyKind = iota

	// DirtyMaybe means a transitive dependency changed. The node's old
	// dependencies are re-checked before deciding to recompute.
	DirtyMaybe

	// DirtyChanged means the node's external input changed and it must be
	// recomputed.
	DirtyChanged
)

// String returns the dirty kind name.
func (d DirtyKind) String() string {
	switch d {
	case DirtyNone:
		return "none"
	case DirtyMaybe:
		return "maybe"
	case DirtyChanged:
		return "changed"
	default:
		return "unknown"
	}
}
