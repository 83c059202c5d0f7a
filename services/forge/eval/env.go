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
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// Env is a Function's window onto the graph during one invocation.
//
// Every key read through Env becomes a recorded dependency of the node being
// computed. Env must not be retained after Compute returns.
type Env interface {
	// GetValue returns key's value. If the value is not computed yet it
	// returns ErrMissingDependency and schedules key; if key failed it returns
	// a *DependencyError.
	GetValue(key graph.Key) (graph.Value, error)

	// GetValues requests several keys at once so missing ones are computed
	// in parallel. The map holds every value that was available. The error is
	// the first dependency failure, else ErrMissingDependency if any key is
	// missing, else nil.
	GetValues(keys ...graph.Key) (map[graph.Key]graph.Value, error)

	// ValuesMissing reports whether any request in this invocation returned
	// ErrMissingDependency.
	ValuesMissing() bool

	// Logger returns a logger annotated with the key being computed.
	Logger() *slog.Logger
}

type readOutcome struct {
	value   graph.Value
	err     error
	missing bool
}

// env implements Env for one invocation of one node.
type env struct {
	p          *pass
	e          *entry
	invocation int
	logger     *slog.Logger

	mu        sync.Mutex
	seen      map[graph.NodeID]readOutcome
	reads     []graph.NodeID
	missing   int
	depErr    *DependencyError
	selfCycle *CycleError
}

func newEnv(p *pass, e *entry) *env {
	return &env{
		p:          p,
		e:          e,
		invocation: e.invocations,
		logger:     p.logger.With(slog.String("key", e.key.String())),
		seen:       make(map[graph.NodeID]readOutcome),
	}
}

func (v *env) GetValue(key graph.Key) (graph.Value, error) {
	g := v.p.g
	id := g.GetOrCreate(key)

	v.mu.Lock()
	defer v.mu.Unlock()

	if o, ok := v.seen[id]; ok {
		if o.missing {
			return nil, ErrMissingDependency
		}
		return o.value, o.err
	}
	if id == v.e.id {
		cyc := NewCycleError([]graph.Key{key})
		v.selfCycle = cyc
		v.seen[id] = readOutcome{err: cyc}
		return nil, cyc
	}

	v.e.noteRequest(id, v.invocation)
	v.reads = append(v.reads, id)

	v.e.pending.Add(1)
	r, pending := g.Request(id, v.e.id)
	if pending {
		v.e.waitingOn[id] = struct{}{}
		v.missing++
		v.seen[id] = readOutcome{missing: true}
		v.p.ensureStarted(id)
		return nil, ErrMissingDependency
	}
	v.e.pending.Add(-1)

	if r.State == graph.StateError {
		de := &DependencyError{Key: v.e.key, Dep: key, Cause: r.Err}
		if v.depErr == nil {
			v.depErr = de
		}
		v.seen[id] = readOutcome{err: de}
		return nil, de
	}
	v.seen[id] = readOutcome{value: r.Value}
	return r.Value, nil
}

func (v *env) GetValues(keys ...graph.Key) (map[graph.Key]graph.Value, error) {
	out := make(map[graph.Key]graph.Value, len(keys))
	var firstErr error
	missing := false
	for _, k := range keys {
		val, err := v.GetValue(k)
		switch {
		case err == nil:
			out[k] = val
		case errors.Is(err, ErrMissingDependency):
			missing = true
		case firstErr == nil:
			firstErr = err
		}
	}
	if firstErr != nil {
		return out, firstErr
	}
	if missing {
		return out, ErrMissingDependency
	}
	return out, nil
}

func (v *env) ValuesMissing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.missing > 0
}

func (v *env) Logger() *slog.Logger { return v.logger }

// groups buckets this invocation's reads by the invocation that first
// requested each key, preserving read order within a bucket.
func (v *env) groups() [][]graph.NodeID {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.reads) == 0 {
		return nil
	}
	buckets := make([][]graph.NodeID, v.invocation+1)
	for _, id := range v.reads {
		inv := v.e.firstSeen[id]
		buckets[inv] = append(buckets[inv], id)
	}
	out := make([][]graph.NodeID, 0, len(buckets))
	for _, b := range buckets {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}
