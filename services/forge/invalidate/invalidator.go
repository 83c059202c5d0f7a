// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invalidate

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/forge/services/forge/graph"
)

var tracer = otel.Tracer("forge.invalidate")

// Change reports that the external input behind Key changed.
//
// Stamp identifies the new input state, for example a content digest. A
// change whose stamp equals the stamp recorded by the previous invalidation is
// ignored. An empty stamp always counts as a change.
type Change struct {
	Key   graph.Key
	Stamp string
}

// Report summarizes one Invalidate call.
type Report struct {
	// Changed are the keys marked as changed.
	Changed []graph.Key

	// Unchanged counts changes skipped because their stamp matched.
	Unchanged int

	// Unknown counts changes for keys the graph has never evaluated.
	Unknown int

	// Dirtied counts transitive dependents newly marked possibly changed.
	Dirtied int

	// Levels is the depth of the reverse-dependency walk.
	Levels int

	Duration time.Duration
}

// Invalidator marks nodes dirty.
//
// Thread Safety: Safe for concurrent use. Calls serialize with each other and
// with evaluation passes on the graph's phase lock.
type Invalidator struct {
	g          *graph.Graph
	workers    int
	valueStamp func(graph.Key, graph.Value) string
	logger     *slog.Logger
}

// Option configures an Invalidator.
type Option func(*Invalidator)

// WithWorkers bounds the parallelism of the reverse-dependency walk.
func WithWorkers(n int) Option {
	return func(inv *Invalidator) {
		if n > 0 {
			inv.workers = n
		}
	}
}

// WithValueStamp derives the stamp of a node that never had a change applied
// from its current value. Without it such a node always counts as changed.
func WithValueStamp(fn func(graph.Key, graph.Value) string) Option {
	return func(inv *Invalidator) { inv.valueStamp = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Invalidator) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// New creates an Invalidator for g.
func New(g *graph.Graph, opts ...Option) *Invalidator {
	inv := &Invalidator{
		g:       g,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = inv.logger.With(slog.String("component", "invalidator"))
	return inv
}

// Invalidate applies changes to the graph.
//
// Description:
//
//	Each changed key still in the graph is marked DirtyChanged. Its reverse
//	dependents are then marked DirtyMaybe level by level, each level
//	processed by a bounded group of goroutines. Nodes already dirty are not
//	walked again. The walk is not interruptible: stopping half way would
//	leave dependents of dirty nodes marked clean, so ctx is only used for
//	tracing.
//
// Inputs:
//
//	ctx - Context for tracing.
//	changes - Externally changed keys. Keys the graph never saw are counted
//	          and otherwise ignored.
//
// Outputs:
//
//	*Report - What was marked.
//	error - Reserved; currently always nil.
func (inv *Invalidator) Invalidate(ctx context.Context, changes []Change) (*Report, error) {
	release := inv.g.BeginInvalidation()
	defer release()

	_, span := tracer.Start(ctx, "invalidate.Invalidate",
		trace.WithAttributes(attribute.Int("invalidate.changes", len(changes))),
	)
	defer span.End()

	start := time.Now()
	report := &Report{}
	var frontier []graph.NodeID

	for _, c := range changes {
		id, ok := inv.g.Lookup(c.Key)
		if !ok {
			report.Unknown++
			continue
		}
		if c.Stamp != "" && inv.currentStamp(c.Key, inv.g.Node(id)) == c.Stamp {
			report.Unchanged++
			continue
		}
		inv.g.SetStamp(id, c.Stamp)
		report.Changed = append(report.Changed, c.Key)
		if inv.g.MarkDirty(id, graph.DirtyChanged) {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		report.Levels++
		next, dirtied := inv.walkLevel(frontier)
		report.Dirtied += dirtied
		frontier = next
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("invalidate.changed", len(report.Changed)),
		attribute.Int("invalidate.dirtied", report.Dirtied),
	)
	inv.logger.Info("invalidation applied",
		slog.Int("changed", len(report.Changed)),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("unknown", report.Unknown),
		slog.Int("dirtied", report.Dirtied),
		slog.Int("levels", report.Levels),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

func (inv *Invalidator) currentStamp(key graph.Key, n *graph.Node) string {
	if s := n.Stamp(); s != "" || inv.valueStamp == nil {
		return s
	}
	v, err := n.Result()
	if err != nil || v == nil {
		return ""
	}
	return inv.valueStamp(key, v)
}

// walkLevel dirties the reverse dependents of one frontier and returns the
// nodes that became dirty, which form the next frontier.
func (inv *Invalidator) walkLevel(frontier []graph.NodeID) ([]graph.NodeID, int) {
	var (
		mu   sync.Mutex
		next []graph.NodeID
	)
	var g errgroup.Group
	g.SetLimit(inv.workers)
	for _, id := range frontier {
		g.Go(func() error {
			var local []graph.NodeID
			for _, r := range inv.g.Node(id).ReverseDeps() {
				if inv.g.MarkDirty(r, graph.DirtyMaybe) {
					local = append(local, r)
				}
			}
			if len(local) > 0 {
				mu.Lock()
				next = append(next, local...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return next, len(next)
}
