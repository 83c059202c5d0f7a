// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge builds, watches, and serves a forge workspace.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/pkg/logging"
	"github.com/AleutianAI/forge/pkg/ux"
	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/telemetry"
)

var version = "0.1.0"

// cli carries the global flags and what PersistentPreRunE sets up for the
// subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	logger   *logging.Logger
	shutdown telemetry.Shutdown
	out      *ux.Printer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Incremental build engine",
		Long:          "forge evaluates a workspace's targets as a dependency graph and rebuilds only what changed.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to forge.yaml (default: ./forge.yaml if present)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(newBuildCmd(c), newWatchCmd(c), newServeCmd(c), newQueryCmd(c))
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if c.configPath == "" {
		if _, err := os.Stat(config.DefaultFileName); err == nil {
			c.configPath = config.DefaultFileName
		}
	}
	cfg, err := config.Load(ctx, c.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, cmd.Name(), c.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Slog())

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Traces = cfg.Telemetry.Traces
	tcfg.Metrics = cfg.Telemetry.Metrics
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		_ = logger.Close()
		return err
	}

	c.cfg, c.logger, c.shutdown = cfg, logger, shutdown
	c.out = ux.NewPrinter(cmd.OutOrStdout())
	return nil
}

func (c *cli) teardown(ctx context.Context) error {
	var err error
	if c.shutdown != nil {
		err = c.shutdown(context.WithoutCancel(ctx))
	}
	if c.logger != nil {
		_ = c.logger.Close()
	}
	return err
}

// newApp wires the workspace for a subcommand.
func (c *cli) newApp() (*app, error) {
	return newApp(c.cfg, c.configPath, c.logger.Slog())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		stop()
		os.Exit(1)
	}
}
