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
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/forge/pkg/ux"
	"github.com/AleutianAI/forge/services/forge/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve [target...]",
		Short: "Serve the build graph over HTTP",
		Long: `Serve exposes the graph at /v1/forge and Prometheus metrics at /metrics.
With --watch it also keeps the given targets (or all targets) built.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			srv, err := server.New(server.Deps{
				Graph:     a.graph,
				Evaluator: a.eval,
				Store:     store,
				Logger:    a.logger,
				Targets:   a.rules.Workspace().Names,
			})
			if err != nil {
				return err
			}

			var targets []string
			if watch {
				if targets, err = a.targets(args); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Run(ctx, addr) })
			if watch {
				g.Go(func() error {
					return a.watch(ctx, targets, func(r buildReport) {
						c.out.Status(ux.IconArrow, fmt.Sprintf("build #%d", r.round), "")
						a.printBuild(c.out, targets, r)
					})
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from the config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild on source changes while serving")
	return cmd
}
