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

// smallSetLimit is the size below which a Uniqueifier scans a slice instead of
// hashing. Most flattened sets are small.
const smallSetLimit = 16

// Uniqueifier answers "have I seen this element before?" for exactly one
// flatten operation. The first call for an element returns true and every later
// call returns false.
//
// Thread Safety: Not safe for concurrent use.
type Uniqueifier[T comparable] struct {
	small []T
	seen  map[T]struct{}
}

// NewUniqueifier creates an empty Uniqueifier. sizeHint pre-sizes the table
// when the caller knows roughly how many elements will be offered.
func NewUniqueifier[T comparable](sizeHint int) *Uniqueifier[T] {
	u := &Uniqueifier[T]{}
	if sizeHint > smallSetLimit {
		u.seen = make(map[T]struct{}, sizeHint)
	}
	return u
}

// IsUnique records x and reports whether this is its first occurrence.
func (u *Uniqueifier[T]) IsUnique(x T) bool {
	if u.seen != nil {
		if _, ok := u.seen[x]; ok {
			return false
		}
		u.seen[x] = struct{}{}
		return true
	}
	for _, s := range u.small {
		if s == x {
			return false
		}
	}
	if len(u.small) < smallSetLimit {
		u.small = append(u.small, x)
		return true
	}
	u.seen = make(map[T]struct{}, 2*smallSetLimit)
	for _, s := range u.small {
		u.seen[s] = struct{}{}
	}
	u.small = nil
	u.seen[x] = struct{}{}
	return true
}

// Len returns the number of distinct elements recorded.
func (u *Uniqueifier[T]) Len() int {
	if u.seen != nil {
		return len(u.seen)
	}
	return len(u.small)
}
