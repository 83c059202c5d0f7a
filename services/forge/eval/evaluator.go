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
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/google/uuid"
)

var (
	tracer = otel.Tracer("forge.eval")
	meter  = otel.Meter("forge.eval")
)

// Evaluator brings keys of one Graph up to date.
//
// Description:
//
//	An Evaluator is bound to one Graph and one frozen Registry for its whole
//	life. Passes are serialized on the graph's phase lock, so an Evaluate
//	call never overlaps another pass or an invalidation.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent Evaluate calls run one after another.
type Evaluator struct {
	graph     *graph.Graph
	registry  *Registry
	workers   int
	keepGoing bool
	equality  Equality
	equal     func(a, b any) bool
	logger    *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce    sync.Once
	invocations    metric.Int64Counter
	restarts       metric.Int64Counter
	cleanChecks    metric.Int64Counter
	pruned         metric.Int64Counter
	failures       metric.Int64Counter
	computeLatency metric.Float64Histogram
	passLatency    metric.Float64Histogram
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWorkers sets the worker pool size. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithKeepGoing selects keep-going (true) or fail-fast (false) mode.
func WithKeepGoing(keepGoing bool) Option {
	return func(e *Evaluator) { e.keepGoing = keepGoing }
}

// WithEquality selects the change-pruning comparison.
func WithEquality(eq Equality) Option {
	return func(e *Evaluator) { e.equality = eq }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Evaluator and freezes registry.
//
// Inputs:
//
//	g - The graph to evaluate. Must not be nil.
//	registry - Functions by kind. Must not be nil. Frozen on return.
//	opts - Optional settings. Defaults: GOMAXPROCS workers, fail-fast,
//	       deep equality.
//
// Outputs:
//
//	*Evaluator - The configured evaluator.
//	error - ErrInvalidInput if g or registry is nil.
func New(g *graph.Graph, registry *Registry, opts ...Option) (*Evaluator, error) {
	if g == nil || registry == nil {
		return nil, fmt.Errorf("%w: graph and registry are required", ErrInvalidInput)
	}
	e := &Evaluator{
		graph:    g,
		registry: registry,
		workers:  runtime.GOMAXPROCS(0),
		equality: EqualityDeep,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "evaluator"))
	e.equal = e.equality.comparator(e.logger)
	registry.Freeze()
	return e, nil
}

// Graph returns the graph this evaluator is bound to.
func (e *Evaluator) Graph() *graph.Graph { return e.graph }

// KeepGoing reports whether the evaluator runs in keep-going mode.
func (e *Evaluator) KeepGoing() bool { return e.keepGoing }

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Evaluator) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		counter := func(name, desc string) metric.Int64Counter {
			c, err := meter.Int64Counter(name, metric.WithDescription(desc))
			if err != nil {
				initErrors = append(initErrors, name+": "+err.Error())
			}
			return c
		}
		histogram := func(name, desc string) metric.Float64Histogram {
			h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
			if err != nil {
				initErrors = append(initErrors, name+": "+err.Error())
			}
			return h
		}

		e.invocations = counter("forge_eval_invocations_total", "Number of Function invocations, restarts included")
		e.restarts = counter("forge_eval_restarts_total", "Number of invocations abandoned for missing dependencies and re-run")
		e.cleanChecks = counter("forge_eval_clean_checks_total", "Number of dirty nodes verified clean without recomputing")
		e.pruned = counter("forge_eval_pruned_total", "Number of recomputed nodes whose value did not change")
		e.failures = counter("forge_eval_failures_total", "Number of nodes that ended in an error")
		e.computeLatency = histogram("forge_eval_compute_duration_seconds", "Time spent in one Function invocation")
		e.passLatency = histogram("forge_eval_pass_duration_seconds", "Total time of one evaluation pass")

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some evaluator metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Evaluate brings keys up to date and returns their values.
//
// Description:
//
//	Runs one evaluation pass. Nodes already current are returned without
//	invoking anything. The returned error equals Result.Err: nil on full
//	success, an *AggregatedError in keep-going mode, the first failure in
//	fail-fast mode, or an error wrapping ErrInterrupted when ctx was
//	cancelled. The Result is always non-nil once inputs are valid and holds
//	whatever was computed.
//
// Inputs:
//
//	ctx - Cancels scheduling of new work. Must not be nil.
//	keys - Top-level keys to evaluate.
//
// Outputs:
//
//	*Result - Per-key values and errors plus pass statistics.
//	error - See Description.
func (e *Evaluator) Evaluate(ctx context.Context, keys ...graph.Key) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil context", ErrInvalidInput)
	}
	e.initMetrics()

	release := e.graph.BeginEvaluation()
	defer release()

	ctx, span := tracer.Start(ctx, "eval.Evaluate",
		trace.WithAttributes(
			attribute.Int("eval.roots", len(keys)),
			attribute.Bool("eval.keep_going", e.keepGoing),
			attribute.Int("eval.workers", e.workers),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := newSessionID()
	version := e.graph.NextVersion()
	logger := e.logger.With(slog.String("session_id", sessionID))

	logger.Info("evaluation started",
		slog.Int("roots", len(keys)),
		slog.Uint64("version", uint64(version)),
		slog.Int("graph_nodes", e.graph.Len()),
	)

	p := newPass(e, version, logger)
	p.run(ctx, keys)

	res := p.result(ctx, keys)
	res.SessionID = sessionID
	res.Duration = time.Since(start)
	e.recordPass(ctx, res)

	span.SetAttributes(
		attribute.Int64("eval.invocations", res.Stats.Invocations),
		attribute.Int64("eval.clean_checks", res.Stats.CleanChecks),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		logger.Error("evaluation failed",
			slog.Duration("duration", res.Duration),
			slog.Int("failed_roots", len(res.Errors)),
			slog.String("error", res.Err.Error()),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("evaluation completed",
			slog.Duration("duration", res.Duration),
			slog.Int64("invocations", res.Stats.Invocations),
			slog.Int64("restarts", res.Stats.Restarts),
			slog.Int64("clean_checks", res.Stats.CleanChecks),
			slog.Int64("pruned", res.Stats.Pruned),
		)
	}
	return res, res.Err
}

func (e *Evaluator) recordPass(ctx context.Context, res *Result) {
	add := func(c metric.Int64Counter, n int64) {
		if c != nil && n > 0 {
			c.Add(ctx, n)
		}
	}
	add(e.invocations, res.Stats.Invocations)
	add(e.restarts, res.Stats.Restarts)
	add(e.cleanChecks, res.Stats.CleanChecks)
	add(e.pruned, res.Stats.Pruned)
	add(e.failures, res.Stats.Failures)
	if e.passLatency != nil {
		e.passLatency.Record(ctx, res.Duration.Seconds(),
			metric.WithAttributes(attribute.Bool("success", res.Err == nil)))
	}
}

func (e *Evaluator) recordCompute(ctx context.Context, kind graph.Kind, d time.Duration) {
	if e.computeLatency != nil {
		e.computeLatency.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// newSessionID returns 12 hex digits (48 bits) of a random UUID.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
