// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the tspipe process configuration with precedence
// environment > YAML file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/tspipe/internal/history"
	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment keys.
const (
	EnvBufferSize       = "TSPIPE_BUFFER_SIZE"
	EnvStartStuffing    = "TSPIPE_START_STUFFING"
	EnvStopStuffing     = "TSPIPE_STOP_STUFFING"
	EnvJointTermination = "TSPIPE_JOINT_TERMINATION"
	EnvDrainTimeout     = "TSPIPE_DRAIN_TIMEOUT"
	EnvLogLevel         = "TSPIPE_LOG_LEVEL"
	EnvStatusListen     = "TSPIPE_STATUS_LISTEN"
	EnvStatusRateLimit  = "TSPIPE_STATUS_RATE_LIMIT"
	EnvHistoryBackend   = "TSPIPE_HISTORY_BACKEND"
	EnvHistoryPath      = "TSPIPE_HISTORY_PATH"
	EnvHistoryKeep      = "TSPIPE_HISTORY_KEEP"
	EnvTracingEnabled   = "TSPIPE_TRACING_ENABLED"
	EnvTracingExporter  = "TSPIPE_TRACING_EXPORTER"
	EnvTracingEndpoint  = "TSPIPE_TRACING_ENDPOINT"
	EnvTracingSampling  = "TSPIPE_TRACING_SAMPLE_RATE"
)

// AppConfig is the effective process configuration.
type AppConfig struct {
	Version  string
	Pipeline pipeline.Options
	Chain    []pipeline.Spec
	LogLevel string
	Status   StatusConfig
	History  HistoryConfig
	Tracing  TracingConfig
}

// StatusConfig configures the status HTTP server. An empty Listen disables it.
type StatusConfig struct {
	Listen             string
	RateLimitPerMinute int
}

// HistoryConfig selects the run history store. Backend "none" disables it.
type HistoryConfig struct {
	Backend string
	Path    string
	// Keep bounds the stored runs; 0 keeps everything.
	Keep int
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SamplingRate float64
}

const HistoryDisabled = "none"

// FileConfig is the YAML file layout. Pointers distinguish unset from zero.
type FileConfig struct {
	Pipeline *PipelineFile   `yaml:"pipeline,omitempty"`
	Chain    []pipeline.Spec `yaml:"chain,omitempty"`
	Log      *LogFile        `yaml:"log,omitempty"`
	Status   *StatusFile     `yaml:"status,omitempty"`
	History  *HistoryFile    `yaml:"history,omitempty"`
	Tracing  *TracingFile    `yaml:"tracing,omitempty"`
}

type PipelineFile struct {
	BufferSize       *int   `yaml:"inter-stage-buffer-size,omitempty"`
	StartStuffing    *int   `yaml:"start-stuffing,omitempty"`
	StopStuffing     *int   `yaml:"stop-stuffing,omitempty"`
	JointTermination *bool  `yaml:"joint-termination,omitempty"`
	DrainTimeout     string `yaml:"drain-timeout,omitempty"`
}

type LogFile struct {
	Level string `yaml:"level,omitempty"`
}

type StatusFile struct {
	Listen    *string `yaml:"listen,omitempty"`
	RateLimit *int    `yaml:"rateLimit,omitempty"`
}

type HistoryFile struct {
	Backend string `yaml:"backend,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Keep    *int   `yaml:"keep,omitempty"`
}

type TracingFile struct {
	Enabled      *bool    `yaml:"enabled,omitempty"`
	Exporter     string   `yaml:"exporter,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() AppConfig {
	return AppConfig{
		Pipeline: pipeline.DefaultOptions(),
		LogLevel: "info",
		Status:   StatusConfig{RateLimitPerMinute: 600},
		History:  HistoryConfig{Backend: history.BackendSQLite, Path: "tspipe-history.sqlite", Keep: 1000},
		Tracing:  TracingConfig{Exporter: "grpc", Endpoint: "localhost:4317", SamplingRate: 1.0},
	}
}

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath      string
	version         string
	lookup          LookupFunc
	logger          zerolog.Logger
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader reads the environment of the current process.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		lookup:          os.LookupEnv,
		logger:          log.WithComponent("config"),
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// WithLookup replaces the environment source.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	l.lookup = fn
	return l
}

// Load parses the file strictly, applies the environment and validates.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := l.mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}
	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile reads a YAML file, rejecting unknown fields and extra documents.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML configuration document strictly.
func ParseFile(data []byte) (*FileConfig, error) {
	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func (l *Loader) mergeFileConfig(dst *AppConfig, src *FileConfig) error {
	if p := src.Pipeline; p != nil {
		if p.BufferSize != nil {
			dst.Pipeline.BufferSize = *p.BufferSize
		}
		if p.StartStuffing != nil {
			dst.Pipeline.StartStuffing = *p.StartStuffing
		}
		if p.StopStuffing != nil {
			dst.Pipeline.StopStuffing = *p.StopStuffing
		}
		if p.JointTermination != nil {
			dst.Pipeline.JointTermination = *p.JointTermination
		}
		if p.DrainTimeout != "" {
			d, err := time.ParseDuration(p.DrainTimeout)
			if err != nil {
				return &FieldError{Field: "pipeline.drain-timeout", Value: p.DrainTimeout, Message: "not a duration"}
			}
			dst.Pipeline.DrainTimeout = d
		}
	}
	if len(src.Chain) > 0 {
		dst.Chain = make([]pipeline.Spec, len(src.Chain))
		for i, s := range src.Chain {
			s.Args = l.expandAll(s.Args)
			dst.Chain[i] = s
		}
	}
	if src.Log != nil && src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
	if st := src.Status; st != nil {
		if st.Listen != nil {
			dst.Status.Listen = *st.Listen
		}
		if st.RateLimit != nil {
			dst.Status.RateLimitPerMinute = *st.RateLimit
		}
	}
	if h := src.History; h != nil {
		if h.Backend != "" {
			dst.History.Backend = h.Backend
		}
		if h.Path != "" {
			dst.History.Path = l.expand(h.Path)
		}
		if h.Keep != nil {
			dst.History.Keep = *h.Keep
		}
	}
	if t := src.Tracing; t != nil {
		if t.Enabled != nil {
			dst.Tracing.Enabled = *t.Enabled
		}
		if t.Exporter != "" {
			dst.Tracing.Exporter = t.Exporter
		}
		if t.Endpoint != "" {
			dst.Tracing.Endpoint = l.expand(t.Endpoint)
		}
		if t.SamplingRate != nil {
			dst.Tracing.SamplingRate = *t.SamplingRate
		}
	}
	return nil
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Pipeline.BufferSize = l.envInt(EnvBufferSize, cfg.Pipeline.BufferSize)
	cfg.Pipeline.StartStuffing = l.envInt(EnvStartStuffing, cfg.Pipeline.StartStuffing)
	cfg.Pipeline.StopStuffing = l.envInt(EnvStopStuffing, cfg.Pipeline.StopStuffing)
	cfg.Pipeline.JointTermination = l.envBool(EnvJointTermination, cfg.Pipeline.JointTermination)
	cfg.Pipeline.DrainTimeout = l.envDuration(EnvDrainTimeout, cfg.Pipeline.DrainTimeout)

	cfg.LogLevel = l.envString(EnvLogLevel, cfg.LogLevel)

	cfg.Status.Listen = l.envString(EnvStatusListen, cfg.Status.Listen)
	cfg.Status.RateLimitPerMinute = l.envInt(EnvStatusRateLimit, cfg.Status.RateLimitPerMinute)

	cfg.History.Backend = l.envString(EnvHistoryBackend, cfg.History.Backend)
	cfg.History.Path = l.envString(EnvHistoryPath, cfg.History.Path)
	cfg.History.Keep = l.envInt(EnvHistoryKeep, cfg.History.Keep)

	cfg.Tracing.Enabled = l.envBool(EnvTracingEnabled, cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = l.envString(EnvTracingExporter, cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = l.envString(EnvTracingEndpoint, cfg.Tracing.Endpoint)
	cfg.Tracing.SamplingRate = l.envFloat(EnvTracingSampling, cfg.Tracing.SamplingRate)
}

// HistoryEnabled reports whether runs are persisted.
func (c AppConfig) HistoryEnabled() bool {
	return !strings.EqualFold(c.History.Backend, HistoryDisabled)
}

// String renders the configuration without secrets for logging.
func (c AppConfig) String() string {
	return fmt.Sprintf("AppConfig{version=%s buffer=%d stuffing=%d/%d joint=%t drain=%s stages=%d log=%s status=%q history=%s:%s tracing=%t}",
		c.Version, c.Pipeline.BufferSize, c.Pipeline.StartStuffing, c.Pipeline.StopStuffing,
		c.Pipeline.JointTermination, c.Pipeline.DrainTimeout, len(c.Chain), c.LogLevel,
		c.Status.Listen, c.History.Backend, c.History.Path, c.Tracing.Enabled)
}
