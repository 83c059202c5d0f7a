// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nestedset provides immutable, structurally shared sets used to
// aggregate transitive build artifacts.
//
// # Overview
//
// A NestedSet holds a list of direct elements plus references to child sets.
// Building a parent never copies a child: a source file listed by a thousand
// targets is stored once and every parent holds a pointer to the same child.
// The cost of a merge is proportional to the number of direct elements and
// children, not to the size of the transitive closure.
//
// Iteration happens through Flatten, which walks the set once, visits each
// distinct child set once, and yields each element once (first occurrence
// wins). The walk order is chosen by the set's Order:
//
//	Stable, NaiveLink   direct elements, then children left to right
//	Compile             children left to right, then direct elements
//	Link                topological: a set's elements precede its children's
//
// # Sharing
//
// Sets built through an Interner are content addressed: two structurally
// identical sets resolve to the same instance, so memory grows with the number
// of distinct sets rather than with the number of times a set is built.
//
// # Thread Safety
//
// NestedSet values are immutable and safe for concurrent use. A Uniqueifier is
// single-use and not safe for concurrent use. Interner is safe for concurrent
// use.
package nestedset
