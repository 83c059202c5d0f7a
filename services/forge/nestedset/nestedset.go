// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nestedset

import (
	"encoding/json"
	"fmt"
	"hash/maphash"
	"slices"
)

// hashSeed is shared by every set in the process so handles of children built
// separately stay comparable.
var hashSeed = maphash.MakeSeed()

// NestedSet is an immutable set of direct elements plus child sets.
//
// Children are referenced, never copied. The zero value is not usable; build
// sets with New, Empty, or an Interner.
type NestedSet[T comparable] struct {
	order    Order
	direct   []T
	children []*NestedSet[T]
	depth    int
	handle   uint64
}

// Empty returns an empty set of the given order.
func Empty[T comparable](order Order) *NestedSet[T] {
	s := &NestedSet[T]{order: order}
	s.handle = contentHandle[T](order, nil, nil)
	return s
}

// New builds a set from direct elements and child sets.
//
// Description:
//
//	Nil and empty children are dropped. When there are no direct elements and
//	exactly one remaining child of the same order, that child is returned
//	as-is, keeping the graph of sets shallow.
//
// Inputs:
//
//	order - Flatten order of the new set.
//	direct - Direct elements. The slice is copied.
//	children - Child sets. Each must have an order compatible with order.
//
// Outputs:
//
//	*NestedSet[T] - The new (or reused) set.
//	error - ErrIncompatibleOrder if a child's order cannot nest under order.
func New[T comparable](order Order, direct []T, children ...*NestedSet[T]) (*NestedSet[T], error) {
	kept := make([]*NestedSet[T], 0, len(children))
	for _, c := range children {
		if c == nil || c.IsEmpty() {
			continue
		}
		if !order.IsCompatible(c.order) {
			return nil, fmt.Errorf("%w: child %s under %s", ErrIncompatibleOrder, c.order, order)
		}
		kept = append(kept, c)
	}
	if len(direct) == 0 && len(kept) == 1 && kept[0].order == order {
		return kept[0], nil
	}
	return build(order, slices.Clone(direct), kept), nil
}

// MustNew is New for statically known orders; it panics on error.
func MustNew[T comparable](order Order, direct []T, children ...*NestedSet[T]) *NestedSet[T] {
	s, err := New(order, direct, children...)
	if err != nil {
		panic(err)
	}
	return s
}

func build[T comparable](order Order, direct []T, children []*NestedSet[T]) *NestedSet[T] {
	s := &NestedSet[T]{order: order}
	if len(direct) > 0 {
		s.direct = direct
		s.depth = 1
	}
	if len(children) > 0 {
		s.children = children
		for _, c := range children {
			if c.depth+1 > s.depth {
				s.depth = c.depth + 1
			}
		}
	}
	s.handle = contentHandle(order, s.direct, s.children)
	return s
}

// contentHandle digests a set's order, direct elements, and child handles.
func contentHandle[T comparable](order Order, direct []T, children []*NestedSet[T]) uint64 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteByte(byte(order))
	for _, e := range direct {
		maphash.WriteComparable(&h, e)
	}
	h.WriteByte(0xff)
	for _, c := range children {
		maphash.WriteComparable(&h, c.handle)
	}
	return h.Sum64()
}

// Order returns the set's flatten order.
func (s *NestedSet[T]) Order() Order { return s.order }

// IsEmpty reports whether the set has no elements at all.
func (s *NestedSet[T]) IsEmpty() bool {
	return len(s.direct) == 0 && len(s.children) == 0
}

// Direct returns a copy of the direct elements.
func (s *NestedSet[T]) Direct() []T { return slices.Clone(s.direct) }

// Children returns the child sets. The returned slice is a copy; the sets are
// shared.
func (s *NestedSet[T]) Children() []*NestedSet[T] { return slices.Clone(s.children) }

// Depth is 0 for an empty set, 1 for a set with only direct elements, and one
// more than the deepest child otherwise.
func (s *NestedSet[T]) Depth() int { return s.depth }

// Handle is a content-derived digest. Structurally identical sets have equal
// handles; equal handles do not by themselves prove identical content.
func (s *NestedSet[T]) Handle() uint64 { return s.handle }

// ToList flattens the set in its own order.
func (s *NestedSet[T]) ToList() []T {
	out, _ := s.Flatten(s.order)
	return out
}

// Flatten returns every element exactly once, in the requested order.
//
// Description:
//
//	A fresh Uniqueifier is used per call, so the first occurrence of an
//	element in traversal order wins. Each distinct child set is walked once
//	even when it is reachable through many parents.
//
// Inputs:
//
//	order - Must be compatible with the set's order.
//
// Outputs:
//
//	[]T - Flattened elements. Never nil.
//	error - ErrIncompatibleOrder if order cannot be applied to this set.
func (s *NestedSet[T]) Flatten(order Order) ([]T, error) {
	if !order.IsCompatible(s.order) {
		return nil, fmt.Errorf("%w: flatten %s set as %s", ErrIncompatibleOrder, s.order, order)
	}
	w := walker[T]{
		elems: NewUniqueifier[T](0),
		sets:  NewUniqueifier[*NestedSet[T]](0),
		out:   make([]T, 0, len(s.direct)),
	}
	switch order {
	case OrderCompile:
		w.postorder(s)
	case OrderLink:
		w.reversePostorder(s)
		slices.Reverse(w.out)
	default:
		w.preorder(s)
	}
	return w.out, nil
}

type walker[T comparable] struct {
	elems *Uniqueifier[T]
	sets  *Uniqueifier[*NestedSet[T]]
	out   []T
}

func (w *walker[T]) emit(e T) {
	if w.elems.IsUnique(e) {
		w.out = append(w.out, e)
	}
}

func (w *walker[T]) preorder(s *NestedSet[T]) {
	for _, e := range s.direct {
		w.emit(e)
	}
	for _, c := range s.children {
		if w.sets.IsUnique(c) {
			w.preorder(c)
		}
	}
}

func (w *walker[T]) postorder(s *NestedSet[T]) {
	for _, c := range s.children {
		if w.sets.IsUnique(c) {
			w.postorder(c)
		}
	}
	for _, e := range s.direct {
		w.emit(e)
	}
}

// reversePostorder walks children right to left and direct elements last to
// first. Reversing its output yields link order.
func (w *walker[T]) reversePostorder(s *NestedSet[T]) {
	for i := len(s.children) - 1; i >= 0; i-- {
		c := s.children[i]
		if w.sets.IsUnique(c) {
			w.reversePostorder(c)
		}
	}
	for i := len(s.direct) - 1; i >= 0; i-- {
		w.emit(s.direct[i])
	}
}

// String renders the flattened set, for debugging.
func (s *NestedSet[T]) String() string {
	return fmt.Sprintf("%s%v", s.order, s.ToList())
}

// MarshalJSON encodes the set as its order and flattened elements. Sharing
// is not preserved.
func (s *NestedSet[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Order string `json:"order"`
		Items []T    `json:"items"`
	}{Order: s.order.String(), Items: s.ToList()})
}
