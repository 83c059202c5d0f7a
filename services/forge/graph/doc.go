// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph is the node store of the forge evaluation engine.
//
// # Overview
//
// Every computation is identified by a Key (a kind tag plus an argument) and
// owned by the Graph as a Node addressed by an integer NodeID. Nodes record
// their value or terminal error, the dependency keys their computation read
// (grouped in the order they were first requested), and the reverse edges
// pointing at every node that read them.
//
// # State Machine
//
//	NotStarted ──► Evaluating ──► Done
//	                    │    └──► Error
//	                    ▲           │
//	                    └── Dirty ◄─┘ (from Done or Error)
//
// The move into Evaluating is a compare-and-swap so exactly one worker owns a
// node at a time. Values are published under the node's lock and never
// mutated afterwards.
//
// # Concurrency
//
// Key lookup is sharded across independently locked maps. Each node carries its
// own mutex and no code path holds two node locks at once. Evaluation and
// invalidation passes serialize on the graph's phase lock; snapshots share it.
//
// # Change Detection
//
// The graph keeps a monotonically increasing Version. A node's ChangedAt is
// the version at which its value last changed and VerifiedAt the version at
// which it was last known up to date. A dirty node whose dependencies all have
// ChangedAt at or below its VerifiedAt can be marked clean without recomputing.
package graph
