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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// entry is the per-pass bookkeeping for a node the pass owns.
//
// Only the worker currently processing the node touches its fields, except
// pending and finished, which wakers update atomically.
type entry struct {
	id   graph.NodeID
	key  graph.Key
	from graph.State

	// pending counts outstanding waits plus one guard held while the node is
	// being processed. Whoever brings it to zero reschedules the node.
	pending  atomic.Int32
	finished atomic.Bool

	// Dirty-check phase.
	checking     bool
	oldDeps      [][]graph.NodeID
	checkIdx     int
	prevVerified graph.Version

	// Compute phase.
	invocations int
	firstSeen   map[graph.NodeID]int
	lastGroups  [][]graph.NodeID
	waitingOn   map[graph.NodeID]struct{}
}

func (e *entry) noteRequest(id graph.NodeID, invocation int) {
	if _, ok := e.firstSeen[id]; !ok {
		e.firstSeen[id] = invocation
	}
}

// pass is one run of Evaluate.
type pass struct {
	ctx     context.Context
	ev      *Evaluator
	g       *graph.Graph
	version graph.Version
	logger  *slog.Logger
	queue   *readyQueue

	// active counts queued plus running work items, plus one token held by
	// the coordinating goroutine while it mutates state.
	active atomic.Int64
	idle   chan struct{}

	stopped   atomic.Bool
	cancelled atomic.Bool

	mu      sync.Mutex
	entries map[graph.NodeID]*entry
	causes  []error

	invocations atomic.Int64
	restarts    atomic.Int64
	cleanChecks atomic.Int64
	pruned      atomic.Int64
	failures    atomic.Int64
	started     atomic.Int64
}

func newPass(ev *Evaluator, version graph.Version, logger *slog.Logger) *pass {
	return &pass{
		ev:      ev,
		g:       ev.graph,
		version: version,
		logger:  logger,
		queue:   newReadyQueue(),
		idle:    make(chan struct{}, 1),
		entries: make(map[graph.NodeID]*entry),
	}
}

// run drives the pass to quiescence.
func (p *pass) run(ctx context.Context, roots []graph.Key) {
	// Functions run under a context that outlives cancellation so in-flight
	// work can finish; cancellation only stops scheduling.
	p.ctx = ctx
	workCtx := context.WithoutCancel(ctx)

	p.active.Store(1)
	var wg sync.WaitGroup
	for i := 0; i < p.ev.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(workCtx)
		}()
	}

	for _, k := range roots {
		id := p.g.GetOrCreate(k)
		if _, pending := p.g.Request(id, graph.NoParent); pending {
			p.ensureStarted(id)
		}
	}
	p.release()

	for {
		p.awaitIdle(ctx)
		if p.shouldStop() || !p.breakStall() {
			break
		}
	}

	p.queue.close()
	wg.Wait()
	p.revertUnfinished()
}

func (p *pass) worker(ctx context.Context) {
	for {
		id, ok := p.queue.pop()
		if !ok {
			return
		}
		if !p.shouldStop() {
			p.process(ctx, id)
		}
		p.release()
	}
}

func (p *pass) awaitIdle(ctx context.Context) {
	done := ctx.Done()
	for {
		select {
		case <-p.idle:
			return
		case <-done:
			p.cancelled.Store(true)
			p.stopped.Store(true)
			p.logger.Warn("evaluation cancelled, waiting for in-flight work",
				slog.String("reason", ctx.Err().Error()))
			done = nil
		}
	}
}

// shouldStop reports whether new work must not start. Cancellation is checked
// directly so no node starts once cancel has returned.
func (p *pass) shouldStop() bool {
	if p.stopped.Load() {
		return true
	}
	if p.ctx.Err() != nil {
		p.cancelled.Store(true)
		p.stopped.Store(true)
		return true
	}
	return false
}

func (p *pass) schedule(id graph.NodeID) {
	p.active.Add(1)
	p.queue.push(id)
}

func (p *pass) release() {
	if p.active.Add(-1) == 0 {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

func (p *pass) lookup(id graph.NodeID) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[id]
}

// ensureStarted takes ownership of id if nobody owns it and queues it.
func (p *pass) ensureStarted(id graph.NodeID) {
	from, ok := p.g.TryStart(id)
	if !ok {
		return
	}
	n := p.g.Node(id)
	e := &entry{
		id:        id,
		key:       n.Key(),
		from:      from,
		firstSeen: make(map[graph.NodeID]int),
		waitingOn: make(map[graph.NodeID]struct{}),
	}
	if from == graph.StateDirty && n.Dirty() == graph.DirtyMaybe {
		e.checking = true
		e.oldDeps = n.Deps()
		e.prevVerified = n.VerifiedAt()
	}
	p.mu.Lock()
	p.entries[id] = e
	p.mu.Unlock()
	p.started.Add(1)
	p.schedule(id)
}

func (p *pass) process(ctx context.Context, id graph.NodeID) {
	e := p.lookup(id)
	if e == nil || e.finished.Load() {
		return
	}
	e.pending.Store(1)
	clear(e.waitingOn)

	if e.checking && p.checkDeps(e) {
		return
	}
	p.compute(ctx, e)
}

// releaseGuard drops the processing guard; if every awaited dependency has
// already finished the node is rescheduled immediately.
func (p *pass) releaseGuard(e *entry) {
	if e.pending.Add(-1) == 0 {
		p.schedule(e.id)
	}
}

// checkDeps re-validates a possibly-dirty node's old dependencies group by
// group. It returns true when the node is settled (clean) or waiting, false
// when a dependency changed and the Function must run.
func (p *pass) checkDeps(e *entry) bool {
	for e.checkIdx < len(e.oldDeps) {
		waiting, changed := false, false
		for _, dep := range e.oldDeps[e.checkIdx] {
			e.pending.Add(1)
			r, pending := p.g.Request(dep, e.id)
			if pending {
				e.waitingOn[dep] = struct{}{}
				p.ensureStarted(dep)
				waiting = true
				continue
			}
			e.pending.Add(-1)
			if r.State == graph.StateError || r.ChangedAt > e.prevVerified {
				changed = true
			}
		}
		if waiting {
			e.lastGroups = e.oldDeps
			p.releaseGuard(e)
			return true
		}
		if changed {
			e.checking = false
			return false
		}
		e.checkIdx++
	}

	waiters := p.g.MarkClean(e.id, p.version)
	e.finished.Store(true)
	p.cleanChecks.Add(1)
	p.wake(waiters)
	return true
}

func (p *pass) compute(ctx context.Context, e *entry) {
	fn, ok := p.ev.registry.Lookup(e.key.Kind)
	if !ok {
		p.fail(e, &FunctionError{
			Key:   e.key,
			Kind:  "registry",
			Cause: fmt.Errorf("%w: %q", ErrUnknownKind, e.key.Kind),
		}, nil, true)
		return
	}

	e.invocations++
	p.invocations.Add(1)
	if e.invocations > 1 {
		p.restarts.Add(1)
	}

	v := newEnv(p, e)
	start := time.Now()
	value, err := p.invoke(ctx, fn, e, v)
	p.ev.recordCompute(ctx, e.key.Kind, time.Since(start))
	groups := v.groups()

	switch {
	case v.selfCycle != nil:
		p.fail(e, v.selfCycle, groups, true)
	case v.depErr != nil:
		p.fail(e, v.depErr, groups, false)
	case v.missing > 0:
		e.lastGroups = groups
		p.releaseGuard(e)
	case err != nil:
		p.fail(e, classify(e.key, err), groups, true)
	default:
		changed, waiters := p.g.Complete(e.id, value, groups, p.version, p.ev.equal)
		if !changed {
			p.pruned.Add(1)
		}
		e.finished.Store(true)
		p.wake(waiters)
	}
}

// invoke calls fn, converting a panic into a FunctionError.
func (p *pass) invoke(ctx context.Context, fn Function, e *entry, v *env) (val graph.Value, err error) {
	ctx, span := tracer.Start(ctx, "eval.Compute",
		trace.WithAttributes(
			attribute.String("eval.key", e.key.String()),
			attribute.Int("eval.invocation", e.invocations),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = &FunctionError{Key: e.key, Kind: "panic", Cause: fmt.Errorf("%v", r)}
			val = nil
		}
		if err != nil && !errors.Is(err, ErrMissingDependency) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return fn.Compute(ctx, e.key, v)
}

// classify turns whatever a Function returned into a FunctionError naming key.
func classify(key graph.Key, err error) error {
	if errors.Is(err, ErrMissingDependency) {
		return &FunctionError{
			Key:   key,
			Kind:  "protocol",
			Cause: fmt.Errorf("returned %w without requesting a missing value", err),
		}
	}
	var fe *FunctionError
	if errors.As(err, &fe) {
		if fe.Key == key {
			return fe
		}
		return &FunctionError{Key: key, Kind: fe.Kind, Cause: fe.Cause}
	}
	return &FunctionError{Key: key, Kind: "function", Cause: err}
}

// fail records a terminal error. root marks an independent failure, as
// opposed to one propagated from a dependency.
func (p *pass) fail(e *entry, err error, groups [][]graph.NodeID, root bool) {
	p.wake(p.failQuiet(e, err, groups, root))
}

// failQuiet is fail without waking waiters, so a set of nodes can fail
// together before any dependent observes one of them.
func (p *pass) failQuiet(e *entry, err error, groups [][]graph.NodeID, root bool) []graph.NodeID {
	waiters := p.g.Fail(e.id, err, groups, p.version)
	e.finished.Store(true)
	p.failures.Add(1)
	if root {
		p.recordCause(err)
	}
	p.logger.Debug("node failed",
		slog.String("key", e.key.String()),
		slog.Bool("root_cause", root),
		slog.String("error", err.Error()),
	)
	return waiters
}

func (p *pass) recordCause(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.causes {
		if c == err {
			return
		}
	}
	p.causes = append(p.causes, err)
	if !p.ev.keepGoing {
		p.stopped.Store(true)
	}
}

func (p *pass) wake(waiters []graph.NodeID) {
	for _, w := range waiters {
		we := p.lookup(w)
		if we == nil || we.finished.Load() {
			continue
		}
		if we.pending.Add(-1) == 0 {
			p.schedule(w)
		}
	}
}

// breakStall runs at quiescence. Nodes still owned by the pass are waiting on
// each other; every cycle among them fails with a CycleError. It reports
// whether anything was failed.
func (p *pass) breakStall() bool {
	p.active.Add(1)
	defer p.release()

	stuck := make(map[graph.NodeID]*entry)
	p.mu.Lock()
	for id, e := range p.entries {
		if !e.finished.Load() {
			stuck[id] = e
		}
	}
	p.mu.Unlock()
	if len(stuck) == 0 {
		return false
	}

	cycles := findCycles(stuck)
	if len(cycles) == 0 {
		for _, e := range stuck {
			p.fail(e, fmt.Errorf("%w: %s", ErrNoProgress, e.key), e.lastGroups, true)
		}
		return true
	}
	for _, cyc := range cycles {
		keys := make([]graph.Key, len(cyc))
		for i, id := range cyc {
			keys[i] = stuck[id].key
		}
		cerr := NewCycleError(keys)
		p.logger.Warn("dependency cycle detected", slog.String("cycle", cerr.Error()))
		var waiters []graph.NodeID
		for _, id := range cyc {
			e := stuck[id]
			waiters = append(waiters, p.failQuiet(e, cerr, e.lastGroups, true)...)
		}
		p.wake(waiters)
	}
	return true
}

// revertUnfinished hands nodes the pass could not finish back to the graph
// in a restartable state.
func (p *pass) revertUnfinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if !e.finished.Load() {
			p.g.Revert(id)
		}
	}
}

func (p *pass) result(ctx context.Context, roots []graph.Key) *Result {
	res := &Result{
		Version: p.version,
		Values:  make(map[graph.Key]graph.Value, len(roots)),
		Errors:  make(map[graph.Key]error),
		Stats: Stats{
			Invocations: p.invocations.Load(),
			Restarts:    p.restarts.Load(),
			CleanChecks: p.cleanChecks.Load(),
			Pruned:      p.pruned.Load(),
			Failures:    p.failures.Load(),
			Started:     p.started.Load(),
		},
	}

	for _, k := range roots {
		n, err := p.g.NodeFor(k)
		if err != nil {
			res.Errors[k] = err
			continue
		}
		val, nerr := n.Result()
		switch n.State() {
		case graph.StateDone:
			res.Values[k] = val
		case graph.StateError:
			res.Errors[k] = nerr
		default:
			res.Errors[k] = fmt.Errorf("%w: %s", ErrInterrupted, k)
		}
	}

	p.mu.Lock()
	causes := append([]error(nil), p.causes...)
	p.mu.Unlock()
	if len(causes) == 0 {
		// Roots that failed in an earlier pass and were not re-run.
		for _, k := range sortedKeys(res.Errors) {
			if !errors.Is(res.Errors[k], ErrInterrupted) {
				causes = append(causes, res.Errors[k])
			}
		}
	}

	interrupted := false
	for _, err := range res.Errors {
		if errors.Is(err, ErrInterrupted) {
			interrupted = true
		}
	}

	switch {
	case p.cancelled.Load() && interrupted:
		res.Err = fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	case len(causes) > 0 && p.ev.keepGoing:
		res.Err = newAggregatedError(causes)
	case len(causes) > 0:
		res.Err = causes[0]
	}
	return res
}
