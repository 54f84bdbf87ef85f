// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/stages"
	"github.com/spf13/cobra"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [-- chain]",
		Short: "Check the configuration and stage options without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			chain, err := resolveChain(cfg, args)
			if err != nil {
				return err
			}
			if err := validateChain(chain); err != nil {
				return usageError(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d stages\n", len(chain))
			return nil
		},
	}
}

// validateChain resolves every stage and runs its Configure. No resource
// is acquired.
func validateChain(chain []pipeline.Spec) error {
	bound, err := pipeline.Instantiate(stages.Default(), chain)
	if err != nil {
		return err
	}
	logger := log.WithComponent("validate")
	var errs []error
	for _, b := range bound {
		if err := b.Stage.Configure(stage.NewEnv(logger, "validate", b.Desc), b.Options); err != nil {
			errs = append(errs, &pipeline.ConfigError{Stage: b.Desc, Err: err})
		}
	}
	return errors.Join(errs...)
}
