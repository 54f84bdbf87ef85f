// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/tspipe/internal/history"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/rs/zerolog"
)

// Validate checks the whole configuration and joins every failure.
// An empty chain is accepted since the chain may come from the command line.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, &FieldError{Field: field, Value: value, Message: msg})
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if len(cfg.Chain) > 0 {
		if err := pipeline.CheckChain(cfg.Chain); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}
		for i, s := range cfg.Chain {
			if strings.TrimSpace(s.Name) == "" {
				add(fmt.Sprintf("chain[%d].name", i), s.Name, "must not be empty")
			}
		}
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		add("log.level", cfg.LogLevel, "unknown log level")
	}

	if cfg.Status.RateLimitPerMinute < 0 {
		add("status.rateLimit", cfg.Status.RateLimitPerMinute, "must not be negative")
	}

	switch strings.ToLower(cfg.History.Backend) {
	case HistoryDisabled:
	case history.BackendSQLite, history.BackendBadger:
		if cfg.History.Path == "" {
			add("history.path", cfg.History.Path, "required for persistent backends")
		}
	case history.BackendMemory:
	default:
		add("history.backend", cfg.History.Backend, "must be one of sqlite, badger, memory, none")
	}
	if cfg.History.Keep < 0 {
		add("history.keep", cfg.History.Keep, "must not be negative")
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "grpc", "http":
		default:
			add("tracing.exporter", cfg.Tracing.Exporter, "must be grpc or http")
		}
		if cfg.Tracing.Endpoint == "" {
			add("tracing.endpoint", cfg.Tracing.Endpoint, "required when tracing is enabled")
		}
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.samplingRate", cfg.Tracing.SamplingRate, "must be within 0..1")
	}

	return errors.Join(errs...)
}
