// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/AleutianAI/forge/pkg/logging"
	"github.com/AleutianAI/forge/pkg/validation"
	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/invalidate"
	"github.com/AleutianAI/forge/services/forge/rules"
	"github.com/AleutianAI/forge/services/forge/storage/badger"
)

// app is one configured forge workspace: the graph and everything that reads
// or writes it.
type app struct {
	cfg        *config.Config
	configPath string
	root       string
	logger     *slog.Logger

	graph   *graph.Graph
	rules   *rules.Rules
	actions *action.Context
	eval    *eval.Evaluator
	inv     *invalidate.Invalidator

	store *badger.Store
}

// newApp wires a workspace from cfg. configPath anchors a relative workspace
// root and may be empty.
func newApp(cfg *config.Config, configPath string, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveRoot(cfg.Workspace.Root, configPath)
	if err != nil {
		return nil, err
	}

	capacity, err := cfg.PoolCapacity()
	if err != nil {
		return nil, err
	}
	defaults, err := cfg.DefaultResourceSet()
	if err != nil {
		return nil, err
	}
	pool, err := action.NewResourcePool(capacity)
	if err != nil {
		return nil, err
	}

	local := action.NewLocalStrategy(root, action.WithLocalLogger(logger))
	strategies := make(map[string]action.Strategy, len(cfg.Actions.Strategies))
	for mnemonic := range cfg.Actions.Strategies {
		strategies[mnemonic] = local
	}
	actx, err := action.NewContext(strategies, pool,
		action.WithDefaultStrategy(local),
		action.WithDefaultResources(defaults),
		action.WithContextLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	ws, err := cfg.NewWorkspace()
	if err != nil {
		return nil, err
	}
	r := rules.New(afero.NewOsFs(), root, ws, actx, rules.WithLogger(logger))
	reg := eval.NewRegistry()
	if err := r.Register(reg); err != nil {
		return nil, err
	}

	equality, ok := eval.ParseEquality(cfg.Eval.Equality)
	if !ok {
		return nil, fmt.Errorf("unknown equality %q", cfg.Eval.Equality)
	}
	g := graph.New(graph.WithShards(cfg.Eval.Shards))
	ev, err := eval.New(g, reg,
		eval.WithWorkers(cfg.Workers()),
		eval.WithKeepGoing(cfg.Eval.KeepGoing),
		eval.WithEquality(equality),
		eval.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		configPath: configPath,
		root:       root,
		logger:     logger,
		graph:      g,
		rules:      r,
		actions:    actx,
		eval:       ev,
		inv: invalidate.New(g,
			invalidate.WithWorkers(cfg.Workers()),
			invalidate.WithValueStamp(r.ValueStamp),
			invalidate.WithLogger(logger),
		),
	}, nil
}

func resolveRoot(root, configPath string) (string, error) {
	if !filepath.IsAbs(root) && configPath != "" {
		root = filepath.Join(filepath.Dir(configPath), root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// openStore opens the snapshot store on first use. A relative storage path
// is taken relative to the workspace root.
func (a *app) openStore() (*badger.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	var (
		store *badger.Store
		err   error
	)
	if a.cfg.Storage.InMemory {
		store, err = badger.OpenInMemory()
	} else {
		path := a.cfg.Storage.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.root, path)
		}
		bc := badger.DefaultConfig(path)
		bc.Logger = a.logger
		store, err = badger.Open(bc)
	}
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// targets returns names, or every declared target when names is empty.
func (a *app) targets(names []string) ([]string, error) {
	ws := a.rules.Workspace()
	if len(names) == 0 {
		all := ws.Names()
		if len(all) == 0 {
			return nil, errors.New("no targets declared")
		}
		return all, nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n, err := validation.SanitizeTargetLabel(n)
		if err != nil {
			return nil, err
		}
		if _, ok := ws.Target(n); !ok {
			return nil, fmt.Errorf("%w %q", rules.ErrUnknownTarget, n)
		}
		out = append(out, n)
	}
	return out, nil
}

// build evaluates the build keys of targets.
func (a *app) build(ctx context.Context, targets []string) (*eval.Result, error) {
	keys := make([]graph.Key, len(targets))
	for i, t := range targets {
		keys[i] = rules.BuildKey(t)
	}
	return a.eval.Evaluate(ctx, keys...)
}

// reloadConfig re-reads the config file and swaps in its target table,
// returning the invalidation changes for targets whose declaration changed.
// Replies memoized for the old table are dropped when anything changed.
// Settings other than targets need a restart.
func (a *app) reloadConfig(ctx context.Context) ([]invalidate.Change, error) {
	if a.configPath == "" {
		return nil, nil
	}
	cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return nil, err
	}
	changes, err := a.rules.Workspace().Replace(cfg.Targets)
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		dropped := a.actions.Forget()
		a.logger.Debug("action replies forgotten", "replies", dropped, "targets", len(changes))
	}
	return changes, nil
}

// newLogger builds the process logger from the logging section, with
// levelOverride taking precedence when set.
func newLogger(cfg config.LoggingConfig, service, levelOverride string) (*logging.Logger, error) {
	lvl := cfg.Level
	if levelOverride != "" {
		lvl = levelOverride
	}
	level, err := logging.ParseLevel(lvl)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: service,
		File:    cfg.File,
		JSON:    cfg.JSON,
	})
}
