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
	"fmt"
	"slices"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/nestedset"
)

// Function kinds registered by Rules.
const (
	KindFile     graph.Kind = "file"
	KindSpec     graph.Kind = "spec"
	KindAnalysis graph.Kind = "analysis"
	KindAction   graph.Kind = "action"
	KindBuild    graph.Kind = "build"
)

// ActionID addresses the Index-th declared action of Target.
type ActionID struct {
	Target string
	Index  int
}

func (id ActionID) String() string { return fmt.Sprintf("%s#%d", id.Target, id.Index) }

// FileKey is the key of a workspace-relative source file.
func FileKey(path string) graph.Key { return graph.NewKey(KindFile, path) }

// SpecKey is the key of a target's declaration.
func SpecKey(target string) graph.Key { return graph.NewKey(KindSpec, target) }

// AnalysisKey is the key of a target's analysis.
func AnalysisKey(target string) graph.Key { return graph.NewKey(KindAnalysis, target) }

// ActionKey is the key of one declared action.
func ActionKey(target string, index int) graph.Key {
	return graph.NewKey(KindAction, ActionID{Target: target, Index: index})
}

// BuildKey is the key of a target's full build.
func BuildKey(target string) graph.Key { return graph.NewKey(KindBuild, target) }

// =============================================================================
// Values
// =============================================================================

// FileValue is a source file's content digest.
type FileValue struct {
	Path   string
	Digest string
	Size   int64
}

// Artifact returns the file as an action input.
func (f FileValue) Artifact() action.Artifact {
	return action.Artifact{Path: f.Path, Digest: f.Digest}
}

// Analysis is a target's resolved inputs.
type Analysis struct {
	Target string

	// Srcs holds the target's sources and those of its transitive deps in
	// compile order: a dep's sources precede the sources of its dependents.
	Srcs *nestedset.NestedSet[action.Artifact]

	Actions []ActionSpec
}

// Equal compares analyses. Source sets are interned, so identity is content
// equality.
func (a *Analysis) Equal(other any) bool {
	b, ok := other.(*Analysis)
	if !ok || a == nil || b == nil {
		return a == b
	}
	return a.Target == b.Target && a.Srcs == b.Srcs && slices.EqualFunc(a.Actions, b.Actions, ActionSpec.equal)
}

// ActionValue is the result of one executed action.
type ActionValue struct {
	Outputs    []action.Artifact
	Discovered []action.Artifact
}

// BuildValue holds every output of a target and its transitive deps in link
// order: a target's own outputs precede those of the targets it depends on.
type BuildValue struct {
	Target  string
	Outputs *nestedset.NestedSet[action.Artifact]
}

// Equal compares builds by interned output set.
func (b *BuildValue) Equal(other any) bool {
	o, ok := other.(*BuildValue)
	if !ok || b == nil || o == nil {
		return b == o
	}
	return b.Target == o.Target && b.Outputs == o.Outputs
}

// OutputList flattens the outputs.
func (b *BuildValue) OutputList() []action.Artifact {
	if b == nil || b.Outputs == nil {
		return nil
	}
	return b.Outputs.ToList()
}
