// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("forge.action")

// DefaultResources is the estimate for an action that declares none and has
// no estimator.
var DefaultResources = ResourceSet{MemoryMB: 250, CPU: 1, IOWeight: 1}

// Context is the action execution context.
//
// Description:
//
//	Execute admits an action through the ResourcePool, runs it with the
//	strategy registered for its mnemonic and records the reply. Concurrent
//	submissions of the same fingerprint share one execution, and successful
//	replies are served from memory afterwards. Failures are never memoized.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Context struct {
	strategies map[string]Strategy
	fallback   Strategy
	pool       *ResourcePool
	estimator  func(*Action) ResourceSet
	defaults   ResourceSet
	memoize    bool
	logger     *slog.Logger

	flight singleflight.Group

	mu    sync.RWMutex
	cache map[uint64]*Reply
	stats ContextStats
}

// ContextStats counts executions by outcome.
type ContextStats struct {
	Executed int64
	CacheHit int64
	Shared   int64
	Failed   int64
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithDefaultStrategy sets the strategy used for unregistered mnemonics.
func WithDefaultStrategy(s Strategy) ContextOption {
	return func(c *Context) { c.fallback = s }
}

// WithEstimator sets the estimate for actions that declare no resources.
func WithEstimator(fn func(*Action) ResourceSet) ContextOption {
	return func(c *Context) { c.estimator = fn }
}

// WithDefaultResources overrides DefaultResources.
func WithDefaultResources(r ResourceSet) ContextOption {
	return func(c *Context) { c.defaults = r }
}

// WithoutMemo disables the reply memo. Concurrent duplicates still share one
// execution.
func WithoutMemo() ContextOption {
	return func(c *Context) { c.memoize = false }
}

// WithContextLogger sets the logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewContext creates an execution context.
//
// Inputs:
//
//	strategies - Strategy per mnemonic. May be nil if a default is given.
//	pool - Admission pool. Required.
//
// Outputs:
//
//	*Context - Ready to execute.
//	error - Non-nil if pool is nil; ErrNoStrategy if no strategy at all was
//	        supplied.
func NewContext(strategies map[string]Strategy, pool *ResourcePool, opts ...ContextOption) (*Context, error) {
	if pool == nil {
		return nil, errors.New("action context requires a resource pool")
	}
	c := &Context{
		strategies: make(map[string]Strategy, len(strategies)),
		pool:       pool,
		defaults:   DefaultResources,
		memoize:    true,
		logger:     slog.Default(),
		cache:      make(map[uint64]*Reply),
	}
	for m, s := range strategies {
		c.strategies[m] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.strategies) == 0 && c.fallback == nil {
		return nil, fmt.Errorf("%w: none configured", ErrNoStrategy)
	}
	c.logger = c.logger.With(slog.String("component", "action_context"))
	return c, nil
}

// Estimate returns the resources the action will be admitted with. It never
// blocks.
func (c *Context) Estimate(a *Action) ResourceSet {
	if !a.Resources.IsZero() {
		return a.Resources
	}
	if c.estimator != nil {
		if r := c.estimator(a); !r.IsZero() {
			return r
		}
	}
	return c.defaults
}

// Execute runs an action and returns its reply.
//
// Description:
//
//	The estimate is checked against the pool first: an action that can never
//	fit fails with ErrResourcesExceedCapacity before any strategy is called.
//	A tool failure is returned as *ExecutionError; when the strategy can
//	salvage a partial reply it is attached to the error.
//
// Inputs:
//
//	ctx - Cancels the wait for resources and is passed to the strategy.
//	a - The action.
//	priority - Admission priority; higher runs first.
//
// Outputs:
//
//	*Reply - The reply. Shared with other callers; do not modify.
//	error - Non-nil on rejection, cancellation, or failure.
func (c *Context) Execute(ctx context.Context, a *Action, priority int) (*Reply, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	strategy, name, err := c.strategyFor(a.Mnemonic)
	if err != nil {
		return nil, err
	}
	est := c.Estimate(a)
	if !est.Fits(c.pool.Total()) {
		poolRejected.Inc()
		return nil, fmt.Errorf("action %s: %w: requested %s, capacity %s",
			a.Mnemonic, ErrResourcesExceedCapacity, est, c.pool.Total())
	}

	fp, err := Fingerprint(a)
	if err != nil {
		return nil, err
	}
	if reply, ok := c.lookup(fp); ok {
		c.count(func(s *ContextStats) { s.CacheHit++ })
		return reply, nil
	}

	v, err, shared := c.flight.Do(strconv.FormatUint(fp, 16), func() (any, error) {
		return c.run(ctx, a, strategy, name, est, priority, fp)
	})
	if shared {
		c.count(func(s *ContextStats) { s.Shared++ })
	}
	if err != nil {
		return nil, err
	}
	return v.(*Reply), nil
}

// Stats returns execution counters.
func (c *Context) Stats() ContextStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Memoized returns how many replies are cached.
func (c *Context) Memoized() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Forget drops every memoized reply and returns how many there were.
func (c *Context) Forget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.cache)
	c.cache = make(map[uint64]*Reply)
	return n
}

func (c *Context) strategyFor(mnemonic string) (Strategy, string, error) {
	if s, ok := c.strategies[mnemonic]; ok {
		return s, mnemonic, nil
	}
	if c.fallback != nil {
		return c.fallback, "default", nil
	}
	return nil, "", fmt.Errorf("%w %q", ErrNoStrategy, mnemonic)
}

func (c *Context) lookup(fp uint64) (*Reply, bool) {
	if !c.memoize {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.cache[fp]
	return r, ok
}

func (c *Context) count(fn func(*ContextStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Context) run(ctx context.Context, a *Action, strategy Strategy, name string, est ResourceSet, priority int, fp uint64) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "action.Execute",
		trace.WithAttributes(
			attribute.String("action.mnemonic", a.Mnemonic),
			attribute.String("action.owner", a.Owner),
			attribute.String("action.strategy", name),
			attribute.Int("action.priority", priority),
		),
	)
	defer span.End()

	lease, err := c.pool.Acquire(ctx, est, priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		return nil, fmt.Errorf("action %s: %w", a.Mnemonic, err)
	}
	defer lease.Release()

	extra, err := strategy.FindAdditionalInputs(ctx, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "input discovery failed")
		return nil, fmt.Errorf("find inputs for action %s: %w", a.Mnemonic, err)
	}

	start := time.Now()
	reply, err := strategy.Exec(ctx, a)
	elapsed := time.Since(start)
	if err != nil {
		c.count(func(s *ContextStats) { s.Failed++ })
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")

		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			return nil, fmt.Errorf("action %s: %w", a.Mnemonic, err)
		}
		if execErr.Mnemonic == "" {
			execErr.Mnemonic = a.Mnemonic
		}
		if partial := strategy.ReplyFromFailedExecution(execErr); partial != nil {
			partial.Strategy = name
			partial.ExitStatus = execErr.ExitStatus
			execErr.PartialReply = partial
		}
		c.logger.Warn("action failed",
			slog.String("mnemonic", a.Mnemonic),
			slog.String("owner", a.Owner),
			slog.Int("exit_status", execErr.ExitStatus),
			slog.Bool("partial_reply", execErr.PartialReply != nil),
		)
		return nil, execErr
	}
	if reply == nil {
		reply = &Reply{}
	}
	reply.Strategy = name
	reply.AdditionalInputs = extra
	if reply.Duration == 0 {
		reply.Duration = elapsed
	}
	span.SetAttributes(attribute.Int("action.outputs", len(reply.Outputs)))

	c.count(func(s *ContextStats) { s.Executed++ })
	if c.memoize {
		cached := *reply
		cached.Cached = true
		c.mu.Lock()
		c.cache[fp] = &cached
		c.mu.Unlock()
	}
	c.logger.Debug("action executed",
		slog.String("mnemonic", a.Mnemonic),
		slog.String("owner", a.Owner),
		slog.Duration("duration", reply.Duration),
	)
	return reply, nil
}
