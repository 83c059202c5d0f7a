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
	"time"

	"github.com/AleutianAI/forge/services/forge/graph"
)

// Stats counts what one pass did.
type Stats struct {
	// Invocations is the number of Function calls, restarts included.
	Invocations int64

	// Restarts is the number of invocations abandoned for missing values.
	Restarts int64

	// CleanChecks is the number of dirty nodes verified clean without a call.
	CleanChecks int64

	// Pruned is the number of recomputed nodes whose value did not change.
	Pruned int64

	// Failures is the number of nodes that ended in an error.
	Failures int64

	// Started is the number of nodes this pass took ownership of.
	Started int64
}

// Result is the outcome of one Evaluate call.
type Result struct {
	SessionID string
	Version   graph.Version
	Values    map[graph.Key]graph.Value
	Errors    map[graph.Key]error
	Err       error
	Stats     Stats
	Duration  time.Duration
}

// Success reports whether every requested key has a value.
func (r *Result) Success() bool {
	return r.Err == nil && len(r.Errors) == 0
}

// Get returns one key's value or error.
func (r *Result) Get(key graph.Key) (graph.Value, error) {
	if err, ok := r.Errors[key]; ok {
		return nil, err
	}
	v, ok := r.Values[key]
	if !ok {
		return nil, graph.ErrNodeNotFound
	}
	return v, nil
}
