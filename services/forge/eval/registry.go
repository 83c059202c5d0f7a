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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// Function computes the value of one key.
//
// Compute must be a pure function of the values it reads through env. It may
// be invoked several times for the same key within one pass: whenever env
// reports ErrMissingDependency the invocation is discarded and Compute runs
// again from the top once the missing values exist. Request as many values as
// possible before returning so they are computed in parallel.
type Function interface {
	Compute(ctx context.Context, key graph.Key, env Env) (graph.Value, error)
}

// FunctionFunc adapts a plain function to the Function interface.
type FunctionFunc func(ctx context.Context, key graph.Key, env Env) (graph.Value, error)

// Compute calls f.
func (f FunctionFunc) Compute(ctx context.Context, key graph.Key, env Env) (graph.Value, error) {
	return f(ctx, key, env)
}

// Registry maps each kind to its Function. It is filled at startup and frozen
// when an Evaluator is built from it.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	fns    map[graph.Kind]Function
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[graph.Kind]Function)}
}

// Register binds fn to kind.
func (r *Registry) Register(kind graph.Kind, fn Function) error {
	if kind == "" || fn == nil {
		return fmt.Errorf("%w: kind and function are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, kind)
	}
	if _, ok := r.fns[kind]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateFunction, kind)
	}
	r.fns[kind] = fn
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(kind graph.Kind, fn Function) {
	if err := r.Register(kind, fn); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the Function registered for kind.
func (r *Registry) Lookup(kind graph.Kind) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[kind]
	return fn, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []graph.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]graph.Kind, 0, len(r.fns))
	for k := range r.fns {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
