// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/stretchr/testify/require"
)

const nodeKind graph.Kind = "n"

func nk(name string) graph.Key { return graph.NewKey(nodeKind, name) }

// fixture is a small programmable build: leaves return fixed values, inner
// nodes read their deps and render name(dep,dep). custom overrides a node.
type fixture struct {
	t      *testing.T
	mu     sync.Mutex
	leaves map[string]any
	deps   map[string][]string
	custom map[string]func(ctx context.Context, env Env) (graph.Value, error)
	calls  map[string]int

	g  *graph.Graph
	ev *Evaluator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		leaves: make(map[string]any),
		deps:   make(map[string][]string),
		custom: make(map[string]func(ctx context.Context, env Env) (graph.Value, error)),
		calls:  make(map[string]int),
		g:      graph.New(graph.WithShards(4)),
	}
	reg := NewRegistry()
	reg.MustRegister(nodeKind, FunctionFunc(f.compute))
	ev, err := New(f.g, reg, append([]Option{WithWorkers(4)}, opts...)...)
	require.NoError(t, err)
	f.ev = ev
	return f
}

func (f *fixture) compute(ctx context.Context, key graph.Key, env Env) (graph.Value, error) {
	name := key.Arg.(string)
	f.mu.Lock()
	f.calls[name]++
	leaf, isLeaf := f.leaves[name]
	deps := f.deps[name]
	custom := f.custom[name]
	f.mu.Unlock()

	if custom != nil {
		return custom(ctx, env)
	}
	if isLeaf {
		if err, ok := leaf.(error); ok {
			return nil, err
		}
		return leaf, nil
	}
	keys := make([]graph.Key, len(deps))
	for i, d := range deps {
		keys[i] = nk(d)
	}
	vals, err := env.GetValues(keys...)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = fmt.Sprint(vals[nk(d)])
	}
	return name + "(" + strings.Join(parts, ",") + ")", nil
}

func (f *fixture) leaf(name string, v any) *fixture {
	f.mu.Lock()
	f.leaves[name] = v
	f.mu.Unlock()
	return f
}

func (f *fixture) node(name string, deps ...string) *fixture {
	f.mu.Lock()
	f.deps[name] = deps
	f.mu.Unlock()
	return f
}

func (f *fixture) eval(names ...string) (*Result, error) {
	keys := make([]graph.Key, len(names))
	for i, n := range names {
		keys[i] = nk(n)
	}
	return f.ev.Evaluate(context.Background(), keys...)
}

func (f *fixture) resetCalls() {
	f.mu.Lock()
	f.calls = make(map[string]int)
	f.mu.Unlock()
}

func (f *fixture) callCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

// change replaces a leaf's value and dirties it the way an invalidation pass
// would: the leaf as changed, its transitive dependents as maybe-changed.
func (f *fixture) change(name string, v any) {
	f.t.Helper()
	f.leaf(name, v)
	id, ok := f.g.Lookup(nk(name))
	require.True(f.t, ok, "leaf %s was never evaluated", name)
	f.g.MarkDirty(id, graph.DirtyChanged)
	f.dirtyDependents(id)
}

func (f *fixture) dirtyDependents(id graph.NodeID) {
	for _, r := range f.g.Node(id).ReverseDeps() {
		if f.g.MarkDirty(r, graph.DirtyMaybe) {
			f.dirtyDependents(r)
		}
	}
}

// depNames returns the recorded dependencies of a node, sorted.
func (f *fixture) depNames(name string) []string {
	n, err := f.g.NodeFor(nk(name))
	require.NoError(f.t, err)
	var out []string
	for _, grp := range n.Deps() {
		for _, id := range grp {
			out = append(out, f.g.Key(id).Arg.(string))
		}
	}
	sort.Strings(out)
	return out
}

func (f *fixture) rdepNames(name string) []string {
	n, err := f.g.NodeFor(nk(name))
	require.NoError(f.t, err)
	var out []string
	for _, id := range n.ReverseDeps() {
		out = append(out, f.g.Key(id).Arg.(string))
	}
	sort.Strings(out)
	return out
}
