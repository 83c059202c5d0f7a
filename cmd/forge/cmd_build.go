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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/pkg/ux"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/rules"
)

// errBuildFailed is returned after the failures have been printed.
var errBuildFailed = errors.New("build failed")

// maxListedOutputs caps the outputs printed per target unless --verbose.
const maxListedOutputs = 5

func newBuildCmd(c *cli) *cobra.Command {
	var (
		keepGoing bool
		export    string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "build [target...]",
		Short: "Build targets (all declared targets by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("keep-going") {
				c.cfg.Eval.KeepGoing = keepGoing
			}
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			targets, err := a.targets(args)
			if err != nil {
				return err
			}
			res, buildErr := a.build(cmd.Context(), targets)
			if res == nil {
				return buildErr
			}
			report(c.out, a, targets, res, verbose)

			if export != "" {
				if err := exportSnapshot(cmd.Context(), a, export); err != nil {
					return err
				}
				c.out.Status(ux.IconArrow, "snapshot", export)
			}
			if buildErr != nil {
				return errBuildFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue past failures and report every error")
	cmd.Flags().StringVar(&export, "export", "", "export the graph to the named snapshot after building")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every output")
	return cmd
}

// report prints one status line per target and a summary box.
func report(out *ux.Printer, a *app, targets []string, res *eval.Result, verbose bool) {
	var ok, failed int
	for _, t := range targets {
		key := rules.BuildKey(t)
		if err, bad := res.Errors[key]; bad {
			failed++
			out.Status(ux.IconError, "//"+t, "")
			out.Item(err.Error())
			continue
		}
		bv, done := res.Values[key].(*rules.BuildValue)
		if !done {
			out.Status(ux.IconPending, "//"+t, "not built")
			continue
		}
		ok++
		outs := bv.OutputList()
		out.Status(ux.IconSuccess, "//"+t, fmt.Sprintf("%d outputs", len(outs)))
		for i, o := range outs {
			if !verbose && i == maxListedOutputs {
				out.Item(fmt.Sprintf("... %d more", len(outs)-maxListedOutputs))
				break
			}
			out.Item(o.Path)
		}
	}
	if res.Err != nil && errors.Is(res.Err, eval.ErrInterrupted) {
		out.Errorf("interrupted: %v", res.Err)
	}

	as := a.actions.Stats()
	out.Summary(ok, failed, res.Duration,
		fmt.Sprintf("%d functions run, %d restarts, %d pruned", res.Stats.Invocations, res.Stats.Restarts, res.Stats.Pruned),
		fmt.Sprintf("%d actions executed, %d cached, %d failed", as.Executed, as.CacheHit, as.Failed),
		fmt.Sprintf("%d artifact sets", a.rules.SharedSets()),
	)
}

func exportSnapshot(ctx context.Context, a *app, name string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	start := time.Now()
	m, err := store.Export(ctx, name, a.graph.Snapshot())
	if err != nil {
		return err
	}
	a.logger.Info("snapshot exported", "name", name, "records", m.Records, "duration", time.Since(start))
	return nil
}
