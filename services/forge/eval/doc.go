// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval runs registered Functions over a graph.Graph incrementally and
// in parallel.
//
// # Overview
//
// Evaluate takes a set of top-level keys and brings each of them up to date.
// A fixed pool of workers pulls ready nodes from a shared queue. A Function
// asks for the values it needs through Env; when a value is not available yet
// Env reports ErrMissingDependency, the invocation is abandoned, and the node
// is re-invoked from scratch once every dependency it was waiting on has
// finished. Workers never block on another node.
//
// # Incrementality
//
// Nodes dirtied by invalidation come in two flavors. A node whose own input
// changed is recomputed. A node that is dirty only because something below it
// changed first re-checks its old dependencies group by group, in the order
// they were originally requested; when none of them changed the node is marked
// clean without invoking its Function. A recomputed value equal to the previous
// one keeps its old change stamp, which stops the change from reaching
// dependents (change pruning).
//
// # Failure Modes
//
// In keep-going mode every independent failure is collected into an
// AggregatedError. In fail-fast mode scheduling stops after the first failure
// and the first error is returned. Either way errors reach every dependent
// through DependencyError. A dependency cycle fails each key on the cycle with
// a CycleError naming the whole cycle.
//
// # Cancellation
//
// Cancelling the context passed to Evaluate stops new work from being
// scheduled. Invocations already running finish and their results are kept;
// nodes left half-done are reverted so the next pass picks them up.
package eval
