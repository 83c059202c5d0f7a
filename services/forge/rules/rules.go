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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/nestedset"
	"github.com/spf13/afero"
)

// Rules holds what the builtin functions need: the source filesystem, the
// workspace, and the action execution context.
//
// Thread Safety:
//
//	Safe for concurrent use; functions are invoked from many workers.
type Rules struct {
	fs       afero.Fs
	root     string
	ws       *Workspace
	actions  *action.Context
	interner *nestedset.Interner[action.Artifact]
	logger   *slog.Logger
}

// Option configures Rules.
type Option func(*Rules)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rules) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates Rules reading sources from fs under root. actions may be nil
// when only analysis is needed; action and build keys then fail.
func New(fs afero.Fs, root string, ws *Workspace, actions *action.Context, opts ...Option) *Rules {
	r := &Rules{
		fs:       fs,
		root:     root,
		ws:       ws,
		actions:  actions,
		interner: nestedset.NewInterner[action.Artifact](),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "rules"))
	return r
}

// Register adds the five builtin kinds to reg.
func (r *Rules) Register(reg *eval.Registry) error {
	fns := []struct {
		kind graph.Kind
		fn   eval.FunctionFunc
	}{
		{KindFile, r.computeFile},
		{KindSpec, r.computeSpec},
		{KindAnalysis, r.computeAnalysis},
		{KindAction, r.computeAction},
		{KindBuild, r.computeBuild},
	}
	for _, f := range fns {
		if err := reg.Register(f.kind, f.fn); err != nil {
			return fmt.Errorf("register %s: %w", f.kind, err)
		}
	}
	return nil
}

// Workspace returns the target table.
func (r *Rules) Workspace() *Workspace { return r.ws }

// SharedSets returns how many distinct source and output sets exist.
func (r *Rules) SharedSets() int { return r.interner.Len() }

// KeysForPath maps a changed path to the file keys reading it. Paths outside
// the root map to nothing.
func (r *Rules) KeysForPath(p string) []graph.Key {
	rel := p
	if filepath.IsAbs(p) {
		var err error
		rel, err = filepath.Rel(r.root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil
		}
	}
	return []graph.Key{FileKey(filepath.ToSlash(filepath.Clean(rel)))}
}

// Stamp digests a changed path so that a touch without a content change does
// not invalidate anything.
func (r *Rules) Stamp(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.root, p)
	}
	digest, err := action.DigestFile(r.fs, p)
	if err != nil {
		return "missing"
	}
	return digest
}

// ValueStamp returns the stamp a computed file value corresponds to, so the
// first change applied to a file can be compared with its digest.
func (r *Rules) ValueStamp(key graph.Key, v graph.Value) string {
	if key.Kind != KindFile {
		return ""
	}
	if fv, ok := v.(FileValue); ok {
		return fv.Digest
	}
	return ""
}

// =============================================================================
// Functions
// =============================================================================

func (r *Rules) computeFile(_ context.Context, key graph.Key, _ eval.Env) (graph.Value, error) {
	rel, ok := key.Arg.(string)
	if !ok {
		return nil, eval.NewFunctionError("input", fmt.Errorf("file key argument %T is not a path", key.Arg))
	}
	full := filepath.Join(r.root, filepath.FromSlash(rel))
	info, err := r.fs.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, eval.NewFunctionError("io", fmt.Errorf("source %s does not exist", rel))
		}
		return nil, eval.NewFunctionError("io", err)
	}
	digest, err := action.DigestFile(r.fs, full)
	if err != nil {
		return nil, eval.NewFunctionError("io", err)
	}
	return FileValue{Path: rel, Digest: digest, Size: info.Size()}, nil
}

func (r *Rules) computeSpec(_ context.Context, key graph.Key, _ eval.Env) (graph.Value, error) {
	name, _ := key.Arg.(string)
	t, ok := r.ws.Target(name)
	if !ok {
		return nil, eval.NewFunctionError("spec", fmt.Errorf("%w %q", ErrUnknownTarget, name))
	}
	return t, nil
}

func (r *Rules) computeAnalysis(_ context.Context, key graph.Key, env eval.Env) (graph.Value, error) {
	name, _ := key.Arg.(string)
	v, err := env.GetValue(SpecKey(name))
	if err != nil {
		return nil, err
	}
	spec := v.(TargetSpec)

	keys := make([]graph.Key, 0, len(spec.Srcs)+len(spec.Deps))
	for _, src := range spec.Srcs {
		keys = append(keys, FileKey(path.Clean(src)))
	}
	for _, dep := range spec.Deps {
		keys = append(keys, AnalysisKey(dep))
	}
	vals, err := env.GetValues(keys...)
	if err != nil {
		return nil, err
	}

	direct := make([]action.Artifact, 0, len(spec.Srcs))
	for _, src := range spec.Srcs {
		direct = append(direct, vals[FileKey(path.Clean(src))].(FileValue).Artifact())
	}
	children := make([]*nestedset.NestedSet[action.Artifact], 0, len(spec.Deps))
	for _, dep := range spec.Deps {
		children = append(children, vals[AnalysisKey(dep)].(*Analysis).Srcs)
	}
	srcs, err := r.interner.New(nestedset.OrderCompile, direct, children...)
	if err != nil {
		return nil, eval.NewFunctionError("analysis", err)
	}
	return &Analysis{Target: name, Srcs: srcs, Actions: spec.Actions}, nil
}

func (r *Rules) computeAction(ctx context.Context, key graph.Key, env eval.Env) (graph.Value, error) {
	id, ok := key.Arg.(ActionID)
	if !ok {
		return nil, eval.NewFunctionError("input", fmt.Errorf("action key argument %T is not an ActionID", key.Arg))
	}
	if r.actions == nil {
		return nil, eval.NewFunctionError("action", errors.New("no action execution context configured"))
	}
	v, err := env.GetValue(AnalysisKey(id.Target))
	if err != nil {
		return nil, err
	}
	an := v.(*Analysis)
	if id.Index < 0 || id.Index >= len(an.Actions) {
		return nil, eval.NewFunctionError("analysis",
			fmt.Errorf("target %s declares %d actions, no action %d", id.Target, len(an.Actions), id.Index))
	}

	act := r.newAction(an, an.Actions[id.Index])
	reply, err := r.actions.Execute(ctx, act, an.Actions[id.Index].Priority)
	if err != nil {
		var execErr *action.ExecutionError
		if errors.As(err, &execErr) && execErr.PartialReply != nil {
			env.Logger().Warn("action failed with partial output",
				slog.String("action", id.String()),
				slog.String("stderr", strings.TrimSpace(string(execErr.PartialReply.Stderr))),
			)
		}
		return nil, eval.NewFunctionError("action", err)
	}
	return &ActionValue{Outputs: reply.Outputs, Discovered: reply.DiscoveredInputs}, nil
}

func (r *Rules) computeBuild(_ context.Context, key graph.Key, env eval.Env) (graph.Value, error) {
	name, _ := key.Arg.(string)
	v, err := env.GetValue(SpecKey(name))
	if err != nil {
		return nil, err
	}
	spec := v.(TargetSpec)

	keys := make([]graph.Key, 0, len(spec.Actions)+len(spec.Deps))
	for i := range spec.Actions {
		keys = append(keys, ActionKey(name, i))
	}
	for _, dep := range spec.Deps {
		keys = append(keys, BuildKey(dep))
	}
	vals, err := env.GetValues(keys...)
	if err != nil {
		return nil, err
	}

	var direct []action.Artifact
	for i := range spec.Actions {
		direct = append(direct, vals[ActionKey(name, i)].(*ActionValue).Outputs...)
	}
	children := make([]*nestedset.NestedSet[action.Artifact], 0, len(spec.Deps))
	for _, dep := range spec.Deps {
		children = append(children, vals[BuildKey(dep)].(*BuildValue).Outputs)
	}
	outs, err := r.interner.New(nestedset.OrderLink, direct, children...)
	if err != nil {
		return nil, eval.NewFunctionError("build", err)
	}
	return &BuildValue{Target: name, Outputs: outs}, nil
}

// newAction expands an action declaration against an analysis.
func (r *Rules) newAction(an *Analysis, spec ActionSpec) *action.Action {
	srcs := an.Srcs.ToList()
	argv := make([]string, 0, len(spec.Argv)+len(srcs))
	for _, arg := range spec.Argv {
		switch arg {
		case "{srcs}":
			for _, s := range srcs {
				argv = append(argv, s.Path)
			}
		case "{outs}":
			argv = append(argv, spec.Outputs...)
		case "{out}":
			if len(spec.Outputs) > 0 {
				argv = append(argv, spec.Outputs[0])
			}
		default:
			argv = append(argv, arg)
		}
	}
	return &action.Action{
		Mnemonic:  spec.Mnemonic,
		Owner:     an.Target,
		Argv:      argv,
		Env:       spec.Env,
		Inputs:    an.Srcs,
		Outputs:   spec.Outputs,
		Resources: spec.Resources,
		Depfile:   spec.Depfile,
	}
}
