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

// MergeKeyed merges keyed collections of sets into one map.
//
// Each key must appear in at most one input. A repeated key is a modelling
// error upstream and fails with *DuplicateKeyError instead of silently picking
// one side.
func MergeKeyed[K comparable, T comparable](inputs ...map[K]*NestedSet[T]) (map[K]*NestedSet[T], error) {
	size := 0
	for _, in := range inputs {
		size += len(in)
	}
	out := make(map[K]*NestedSet[T], size)
	for _, in := range inputs {
		for k, v := range in {
			if _, dup := out[k]; dup {
				return nil, &DuplicateKeyError{Key: k}
			}
			out[k] = v
		}
	}
	return out, nil
}
