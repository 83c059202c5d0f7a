// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/graph"
	"golang.org/x/sync/errgroup"
)

// TargetOutputs is the flattened output list of one built target.
type TargetOutputs struct {
	Target  string
	Outputs []action.Artifact
}

// CollectOutputs flattens the BuildValues among values concurrently. Values
// of other kinds are ignored. The result is ordered like targets; targets
// without a BuildValue are skipped.
func CollectOutputs(ctx context.Context, targets []string, values map[graph.Key]graph.Value) ([]TargetOutputs, error) {
	results := make([]*TargetOutputs, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range targets {
		bv, ok := values[BuildKey(name)].(*BuildValue)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = &TargetOutputs{Target: name, Outputs: bv.OutputList()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]TargetOutputs, 0, len(targets))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
