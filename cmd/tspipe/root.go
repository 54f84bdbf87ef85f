// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ManuGH/tspipe/internal/config"
	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/spf13/cobra"
)

const serviceName = "tspipe"

var errNoChain = errors.New("no stage chain: pass -- -I name ... -O name ... or set chain in the config file")

type rootOptions struct {
	configPath string
	logLevel   string
	// logOutput overrides stderr in tests.
	logOutput io.Writer
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&rootOptions{}) }

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "tspipe",
		Short:         "Real-time MPEG transport stream pipeline",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newStagesCmd(),
		newHistoryCmd(opts),
	)
	return root
}

// load configures logging and returns the effective configuration.
// Logs always go to stderr since stdout may carry the stream.
func (o *rootOptions) load() (config.AppConfig, error) {
	out := o.logOutput
	if out == nil {
		out = os.Stderr
	}
	log.Configure(log.Config{Level: "info", Output: out, Service: serviceName, Version: version})

	cfg, err := config.NewLoader(o.configPath, version).Load()
	if err != nil {
		return cfg, usageError(err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Output: out, Service: serviceName, Version: cfg.Version})
	return cfg, nil
}

// resolveChain prefers a chain given on the command line over the file.
func resolveChain(cfg config.AppConfig, args []string) ([]pipeline.Spec, error) {
	if len(args) > 0 {
		chain, err := config.ParseChain(args)
		if err != nil {
			return nil, usageError(err)
		}
		return chain, nil
	}
	if len(cfg.Chain) == 0 {
		return nil, usageError(errNoChain)
	}
	return cfg.Chain, nil
}
