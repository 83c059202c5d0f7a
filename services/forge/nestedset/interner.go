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
	"slices"
	"sync"
)

// Interner builds content-addressed sets. Structurally identical sets built
// through the same Interner resolve to one shared instance.
//
// Thread Safety: Safe for concurrent use.
type Interner[T comparable] struct {
	mu     sync.Mutex
	sets   map[uint64][]*NestedSet[T]
	hits   int64
	misses int64
}

// NewInterner creates an empty Interner.
func NewInterner[T comparable]() *Interner[T] {
	return &Interner[T]{sets: make(map[uint64][]*NestedSet[T])}
}

// New is like the package-level New but returns an existing instance when one
// with identical order, direct elements, and children has already been built.
func (in *Interner[T]) New(order Order, direct []T, children ...*NestedSet[T]) (*NestedSet[T], error) {
	s, err := New(order, direct, children...)
	if err != nil {
		return nil, err
	}
	return in.intern(s), nil
}

func (in *Interner[T]) intern(s *NestedSet[T]) *NestedSet[T] {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, cand := range in.sets[s.handle] {
		if sameContent(cand, s) {
			in.hits++
			return cand
		}
	}
	in.misses++
	in.sets[s.handle] = append(in.sets[s.handle], s)
	return s
}

// sameContent compares children by identity. Interned children are canonical,
// so identity is equality for them.
func sameContent[T comparable](a, b *NestedSet[T]) bool {
	return a.order == b.order &&
		slices.Equal(a.direct, b.direct) &&
		slices.Equal(a.children, b.children)
}

// Len returns the number of distinct sets held.
func (in *Interner[T]) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, bucket := range in.sets {
		n += len(bucket)
	}
	return n
}

// Stats returns how many builds reused an existing set and how many stored a
// new one.
func (in *Interner[T]) Stats() (hits, misses int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hits, in.misses
}
