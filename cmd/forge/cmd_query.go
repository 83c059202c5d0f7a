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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/forge/pkg/ux"
	"github.com/AleutianAI/forge/services/forge/storage/badger"
)

func newQueryCmd(c *cli) *cobra.Command {
	query := &cobra.Command{
		Use:   "query",
		Short: "Read exported graph snapshots",
	}

	// withStore opens the snapshot store for the duration of fn.
	withStore := func(fn func(*badger.Store) error) error {
		a, err := c.newApp()
		if err != nil {
			return err
		}
		defer a.close()
		store, err := a.openStore()
		if err != nil {
			return err
		}
		return fn(store)
	}

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshot names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(store *badger.Store) error {
				names, err := store.Names(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					m, err := store.Manifest(cmd.Context(), n)
					if err != nil {
						return err
					}
					c.out.Status(ux.IconPending, n, fmt.Sprintf("version %d, %d nodes, %d errors, %s",
						m.Version, m.Records, m.Errors, m.ExportedAt.Format("2006-01-02 15:04:05")))
				}
				return nil
			})
		},
	}

	var kind string
	nodes := &cobra.Command{
		Use:   "nodes <snapshot>",
		Short: "List the nodes of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *badger.Store) error {
				return store.List(cmd.Context(), args[0], kind, func(r badger.Record) bool {
					icon := ux.IconSuccess
					if r.Error != "" {
						icon = ux.IconError
					}
					c.out.Status(icon, r.Key, fmt.Sprintf("changed@%d verified@%d", r.ChangedAt, r.VerifiedAt))
					return true
				})
			})
		},
	}
	nodes.Flags().StringVar(&kind, "kind", "", "only list nodes of this kind (file, spec, analysis, action, build)")

	node := &cobra.Command{
		Use:   "node <snapshot> <key>",
		Short: "Print one node as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *badger.Store) error {
				rec, err := store.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	}

	query.AddCommand(snapshots, nodes, node)
	return query
}
