// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"slices"
	"strings"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// findCycles searches the waiting-for graph of stalled nodes. Each returned
// cycle lists node ids in request order, rotated to start at the smallest key
// so reports are stable across runs. Every node appears in at most one cycle.
func findCycles(stuck map[graph.NodeID]*entry) [][]graph.NodeID {
	const (
		white = iota
		gray
		black
	)
	byKey := func(a, b graph.NodeID) int {
		return strings.Compare(stuck[a].key.String(), stuck[b].key.String())
	}

	ids := make([]graph.NodeID, 0, len(stuck))
	for id := range stuck {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, byKey)

	color := make(map[graph.NodeID]int, len(stuck))
	inCycle := make(map[graph.NodeID]bool)
	var path []graph.NodeID
	var cycles [][]graph.NodeID

	var visit func(id graph.NodeID)
	visit = func(id graph.NodeID) {
		color[id] = gray
		path = append(path, id)

		next := make([]graph.NodeID, 0, len(stuck[id].waitingOn))
		for dep := range stuck[id].waitingOn {
			if _, ok := stuck[dep]; ok {
				next = append(next, dep)
			}
		}
		slices.SortFunc(next, byKey)

		for _, dep := range next {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				if inCycle[dep] {
					continue
				}
				start := slices.Index(path, dep)
				cyc := slices.Clone(path[start:])
				if slices.ContainsFunc(cyc, func(n graph.NodeID) bool { return inCycle[n] }) {
					continue
				}
				for _, n := range cyc {
					inCycle[n] = true
				}
				cycles = append(cycles, rotateToMin(cyc, byKey))
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func rotateToMin(cyc []graph.NodeID, cmp func(a, b graph.NodeID) int) []graph.NodeID {
	minIdx := 0
	for i := range cyc {
		if cmp(cyc[i], cyc[minIdx]) < 0 {
			minIdx = i
		}
	}
	return append(slices.Clone(cyc[minIdx:]), cyc[:minIdx]...)
}

func sortedKeys[V any](m map[graph.Key]V) []graph.Key {
	keys := make([]graph.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b graph.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
