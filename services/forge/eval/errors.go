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
	"fmt"
	"strings"

	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/hashicorp/go-multierror"
)

var (
	// ErrMissingDependency is returned by Env when a requested value is not
	// computed yet. Functions should return promptly; they are re-invoked once
	// the value exists. It never reaches callers of Evaluate.
	ErrMissingDependency = errors.New("dependency not yet available")

	// ErrRegistryFrozen is returned when registering after the Evaluator was built.
	ErrRegistryFrozen = errors.New("function registry is frozen")

	// ErrDuplicateFunction is returned when a kind is registered twice.
	ErrDuplicateFunction = errors.New("function already registered for kind")

	// ErrUnknownKind is returned when a key's kind has no registered Function.
	ErrUnknownKind = errors.New("no function registered for kind")

	// ErrInterrupted is returned when a pass stopped before a key finished,
	// because of cancellation or fail-fast.
	ErrInterrupted = errors.New("evaluation interrupted")

	// ErrNoProgress is returned if a pass stalls without a detectable cycle.
	ErrNoProgress = errors.New("evaluation made no progress")

	// ErrInvalidInput is returned for nil or empty arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// CycleError reports a dependency cycle. Cycle lists the keys in request
// order and repeats the first key at the end.
type CycleError struct {
	Cycle []graph.Key
}

// NewCycleError builds a CycleError from the keys on the cycle. The first key
// is appended again to close the loop.
func NewCycleError(keys []graph.Key) *CycleError {
	cycle := make([]graph.Key, 0, len(keys)+1)
	cycle = append(cycle, keys...)
	if len(keys) > 0 {
		cycle = append(cycle, keys[0])
	}
	return &CycleError{Cycle: cycle}
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = k.String()
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Contains reports whether key is on the cycle.
func (e *CycleError) Contains(key graph.Key) bool {
	for _, k := range e.Cycle {
		if k == key {
			return true
		}
	}
	return false
}

// FunctionError is a failure raised by a Function.
type FunctionError struct {
	Key   graph.Key
	Kind  string
	Cause error
}

// NewFunctionError lets a Function classify its failure. kind is a short
// category such as "io" or "action".
func NewFunctionError(kind string, cause error) *FunctionError {
	return &FunctionError{Kind: kind, Cause: cause}
}

func (e *FunctionError) Error() string {
	if e.Key.Kind == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Key, e.Kind, e.Cause)
}

func (e *FunctionError) Unwrap() error { return e.Cause }

// DependencyError is recorded on a node whose dependency failed.
type DependencyError struct {
	Key   graph.Key
	Dep   graph.Key
	Cause error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %s failed: %v", e.Key, e.Dep, e.Cause)
}

func (e *DependencyError) Unwrap() error { return e.Cause }

// AggregatedError collects every independent failure of a keep-going pass.
type AggregatedError struct {
	errs *multierror.Error
}

func newAggregatedError(errs []error) *AggregatedError {
	merr := &multierror.Error{ErrorFormat: formatAggregated}
	merr = multierror.Append(merr, errs...)
	return &AggregatedError{errs: merr}
}

func formatAggregated(errs []error) string {
	if len(errs) == 1 {
		return fmt.Sprintf("1 failure: %v", errs[0])
	}
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = "  * " + err.Error()
	}
	return fmt.Sprintf("%d failures:\n%s", len(errs), strings.Join(lines, "\n"))
}

func (e *AggregatedError) Error() string { return e.errs.Error() }

// Errors returns the collected failures.
func (e *AggregatedError) Errors() []error { return e.errs.WrappedErrors() }

// Len returns the number of collected failures.
func (e *AggregatedError) Len() int { return e.errs.Len() }

// Unwrap exposes every collected failure to errors.Is and errors.As.
func (e *AggregatedError) Unwrap() []error { return e.errs.WrappedErrors() }
