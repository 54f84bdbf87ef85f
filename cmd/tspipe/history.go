// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ManuGH/tspipe/internal/config"
	"github.com/ManuGH/tspipe/internal/history"
	"github.com/ManuGH/tspipe/internal/persistence/sqlite"
	"github.com/spf13/cobra"
)

var errHistoryDisabled = errors.New("run history is disabled (history.backend=none)")

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted run reports",
	}
	cmd.AddCommand(
		newHistoryListCmd(root),
		newHistoryShowCmd(root),
		newHistoryPruneCmd(root),
		newHistoryVerifyCmd(root),
	)
	return cmd
}

// withStore loads the configuration and opens the history store for fn.
func withStore(cmd *cobra.Command, root *rootOptions, fn func(config.AppConfig, history.Store) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if !cfg.HistoryEnabled() {
		return usageError(errHistoryDisabled)
	}
	store, err := history.Open(cmd.Context(), cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(cfg, store)
}

func newHistoryListCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, root, func(_ config.AppConfig, store history.Store) error {
				reports, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATE\tREASON\tDELIVERED\tDURATION")
				for _, r := range reports {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.RunID, r.StartedAt.Format(time.RFC3339), r.State, r.Reason,
						r.Delivered(), r.Duration().Round(time.Millisecond))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "maximum number of runs")
	return cmd
}

func newHistoryShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print one run report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(_ config.AppConfig, store history.Store) error {
				rep, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			})
		},
	}
}

func newHistoryPruneCmd(root *rootOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, root, func(cfg config.AppConfig, store history.Store) error {
				n := keep
				if !cmd.Flags().Changed("keep") {
					n = cfg.History.Keep
				}
				if n < 0 {
					return usageError(fmt.Errorf("--keep must not be negative, got %d", n))
				}
				removed, err := store.Prune(cmd.Context(), n)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d runs\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "number of runs to keep (default: history.keep)")
	return cmd
}

func newHistoryVerifyCmd(root *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of the SQLite history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if !strings.EqualFold(cfg.History.Backend, history.BackendSQLite) {
				return usageError(fmt.Errorf("verify needs the sqlite backend, configured %q", cfg.History.Backend))
			}
			mode = strings.ToLower(strings.TrimSpace(mode))
			if mode != "quick" && mode != "full" {
				return usageError(fmt.Errorf("invalid mode %q, use quick or full", mode))
			}
			issues, err := sqlite.VerifyIntegrity(cmd.Context(), cfg.History.Path, mode)
			if err != nil {
				return fmt.Errorf("verify %s: %w", cfg.History.Path, err)
			}
			if len(issues) > 0 {
				for _, issue := range issues {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
				}
				return fmt.Errorf("corruption detected in %s", cfg.History.Path)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "integrity verified: %s\n", cfg.History.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "quick", "verification mode: quick or full")
	return cmd
}
