// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/tspipe/internal/api"
	"github.com/ManuGH/tspipe/internal/config"
	"github.com/ManuGH/tspipe/internal/history"
	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/stages"
	"github.com/ManuGH/tspipe/internal/telemetry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const persistTimeout = 10 * time.Second

type runFlags struct {
	bufferSize       int
	startStuffing    int
	stopStuffing     int
	jointTermination bool
	drainTimeout     time.Duration
	statusListen     string
	runID            string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] -- [-I name [args]] [-P name [args]]... [-O name [args]]",
		Short: "Run a stage chain until it ends or is interrupted",
		Example: `  tspipe run -- -I file in.ts -P until --packets 1000 -O ip 239.1.1.1:1234
  tspipe run --start-stuffing 10 -- -I ip 1234 -O file --keep out.ts
  tspipe run -c tspipe.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("inter-stage-buffer-size") {
				cfg.Pipeline.BufferSize = f.bufferSize
			}
			if flags.Changed("start-stuffing") {
				cfg.Pipeline.StartStuffing = f.startStuffing
			}
			if flags.Changed("stop-stuffing") {
				cfg.Pipeline.StopStuffing = f.stopStuffing
			}
			if flags.Changed("joint-termination") {
				cfg.Pipeline.JointTermination = f.jointTermination
			}
			if flags.Changed("drain-timeout") {
				cfg.Pipeline.DrainTimeout = f.drainTimeout
			}
			if flags.Changed("status-listen") {
				cfg.Status.Listen = f.statusListen
			}
			if err := cfg.Pipeline.Validate(); err != nil {
				return usageError(err)
			}
			chain, err := resolveChain(cfg, args)
			if err != nil {
				return err
			}
			runID := f.runID
			if runID == "" {
				runID = uuid.NewString()
			}
			_, err = runChain(cmd.Context(), cfg, chain, runID)
			return err
		},
	}
	fl := cmd.Flags()
	fl.SetNormalizeFunc(engineFlagAliases)
	fl.IntVar(&f.bufferSize, "inter-stage-buffer-size", pipeline.DefaultBufferSize, "inter-stage buffer size in packets")
	fl.IntVar(&f.startStuffing, "start-stuffing", 0, "null packets emitted before the first input packet")
	fl.IntVar(&f.stopStuffing, "stop-stuffing", 0, "null packets emitted after the last input packet")
	fl.BoolVar(&f.jointTermination, "joint-termination", true, "a processor ending the stream ends the whole pipeline")
	fl.DurationVar(&f.drainTimeout, "drain-timeout", pipeline.DefaultDrainTimeout, "maximum time to drain buffered packets on shutdown")
	fl.StringVar(&f.statusListen, "status-listen", "", "status server listen address, empty disables it")
	fl.StringVar(&f.runID, "run-id", "", "run identifier (default: random UUID)")
	return cmd
}

// engineFlagAliases accepts the tsp spellings of the engine options.
func engineFlagAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "buffer-size":
		name = "inter-stage-buffer-size"
	case "add-start-stuffing":
		name = "start-stuffing"
	case "add-stop-stuffing":
		name = "stop-stuffing"
	}
	return pflag.NormalizedName(name)
}

// runChain instantiates and runs chain, serving status while it runs and
// persisting the final report. The error is non-nil when the run failed.
func runChain(ctx context.Context, cfg config.AppConfig, chain []pipeline.Spec, runID string) (pipeline.Report, error) {
	logger := log.WithComponent("cli")
	reg := stages.Default()

	bound, err := pipeline.Instantiate(reg, chain)
	if err != nil {
		return pipeline.Report{}, usageError(err)
	}

	prov, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	var store history.Store
	if cfg.HistoryEnabled() {
		store, err = history.Open(ctx, cfg.History.Backend, cfg.History.Path)
		if err != nil {
			return pipeline.Report{}, fmt.Errorf("open history: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("close history")
			}
		}()
	}

	sup := pipeline.New(bound, cfg.Pipeline, pipeline.WithRunID(runID))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Status.Listen != "" {
		tracingService := ""
		if cfg.Tracing.Enabled {
			tracingService = serviceName
		}
		srv := api.New(api.Config{
			Listen:             cfg.Status.Listen,
			RateLimitPerMinute: cfg.Status.RateLimitPerMinute,
			TracingService:     tracingService,
		}, store, reg)
		srv.SetPipeline(sup)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	var (
		report pipeline.Report
		runErr error
	)
	g.Go(func() error {
		defer cancelRun()
		report, runErr = sup.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("status server failed")
		if runErr == nil {
			runErr = err
		}
	}

	if store != nil {
		persist(ctx, store, report, cfg.History.Keep)
	}

	ev := logger.Info()
	if report.Failed() {
		ev = logger.Error()
	}
	ev.Str(log.FieldRunID, report.RunID).
		Str(log.FieldNewState, string(report.State)).
		Str(log.FieldReason, string(report.Reason)).
		Uint64("accepted", report.Accepted()).
		Uint64("delivered", report.Delivered()).
		Uint64("dropped", report.Dropped()).
		Dur("duration", report.Duration()).
		Msg("run finished")

	if runErr != nil {
		return report, &exitError{code: exitFailed, err: runErr}
	}
	return report, nil
}

func persist(ctx context.Context, store history.Store, report pipeline.Report, keep int) {
	logger := log.WithComponent("history")
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := store.Put(pctx, report); err != nil {
		logger.Warn().Err(err).Str(log.FieldRunID, report.RunID).Msg("failed to persist run report")
		return
	}
	if keep <= 0 {
		return
	}
	if n, err := store.Prune(pctx, keep); err != nil {
		logger.Warn().Err(err).Msg("failed to prune run history")
	} else if n > 0 {
		logger.Debug().Int("removed", n).Msg("pruned run history")
	}
}
