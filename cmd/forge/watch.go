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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/forge/pkg/ux"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/invalidate"
)

func newWatchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [target...]",
		Short: "Build, then rebuild whenever sources or forge.yaml change",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			targets, err := a.targets(args)
			if err != nil {
				return err
			}
			return a.watch(cmd.Context(), targets, func(r buildReport) {
				c.out.Title(fmt.Sprintf("build #%d", r.round))
				a.printBuild(c.out, targets, r)
			})
		},
	}
	return cmd
}

// buildReport is one round of the watch loop.
type buildReport struct {
	round   int
	changed int
	res     *eval.Result
	err     error
}

// watcher turns file system events into rebuilds.
type watcher struct {
	a       *app
	tracker *invalidate.DirtyTracker
	limiter *rate.Limiter
	trigger chan struct{}
	config  string
}

func (a *app) newWatcher() *watcher {
	w := &watcher{
		a:       a,
		tracker: invalidate.NewDirtyTracker(),
		limiter: rate.NewLimiter(rate.Limit(a.cfg.Watch.RebuildsPerSecond), a.cfg.Watch.Burst),
		trigger: make(chan struct{}, 1),
	}
	if a.configPath != "" {
		if abs, err := filepath.Abs(a.configPath); err == nil {
			w.config = abs
		}
	}
	return w
}

func (w *watcher) onChanges(changes []invalidate.FileChange) {
	w.tracker.MarkDirtyFromWatcher(changes)
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// sync invalidates whatever changed since the last call. It reports how many
// keys were marked changed; zero means the next build has nothing to redo.
func (w *watcher) sync(ctx context.Context) (int, error) {
	changes, consumed := w.tracker.Changes(w.a.rules.KeysForPath, w.a.rules.Stamp)
	for _, e := range consumed {
		if w.config == "" || filepath.Clean(e.Path) != w.config {
			continue
		}
		targetChanges, err := w.a.reloadConfig(ctx)
		if err != nil {
			w.tracker.Clear(consumed)
			return 0, fmt.Errorf("reload %s: %w", w.a.configPath, err)
		}
		changes = append(changes, targetChanges...)
		break
	}

	report, err := w.a.inv.Invalidate(ctx, changes)
	if err != nil {
		return 0, err
	}
	w.tracker.Clear(consumed)
	return len(report.Changed), nil
}

// watch builds targets once, then rebuilds after each batch of changes that
// alters an input. Rebuilds are rate limited by the watch section of the
// config. It returns when ctx is cancelled.
func (a *app) watch(ctx context.Context, targets []string, onBuild func(buildReport)) error {
	w := a.newWatcher()

	opts := invalidate.DefaultFileWatcherOptions()
	if a.cfg.Watch.Debounce > 0 {
		opts.DebounceWindow = a.cfg.Watch.Debounce
	}
	opts.IgnorePatterns = append(opts.IgnorePatterns, a.cfg.Watch.Ignore...)
	opts.Logger = a.logger

	fw, err := invalidate.NewFileWatcher(a.root, w.onChanges, &opts)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}
	defer fw.Stop()

	round := 1
	onBuild(a.runBuild(ctx, targets, round, 0))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.trigger:
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		changed, err := w.sync(ctx)
		if err != nil {
			a.logger.Warn("invalidation failed", slog.String("error", err.Error()))
			continue
		}
		if changed == 0 {
			a.logger.Debug("changes did not affect any input")
			continue
		}
		round++
		onBuild(a.runBuild(ctx, targets, round, changed))
	}
}

func (a *app) runBuild(ctx context.Context, targets []string, round, changed int) buildReport {
	res, err := a.build(ctx, targets)
	return buildReport{round: round, changed: changed, res: res, err: err}
}

func (a *app) printBuild(out *ux.Printer, targets []string, r buildReport) {
	if r.res == nil {
		out.Errorf("build failed: %v", r.err)
		return
	}
	if r.changed > 0 {
		out.Status(ux.IconArrow, "rebuild", fmt.Sprintf("%d inputs changed", r.changed))
	}
	report(out, a, targets, r.res, false)
}
