// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tspipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := envLoader(nil).Load()
	require.NoError(t, err)

	want := Defaults()
	want.Version = "test"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, cfg.Pipeline.JointTermination)
	assert.Equal(t, pipeline.DefaultBufferSize, cfg.Pipeline.BufferSize)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  inter-stage-buffer-size: 512
  start-stuffing: 10
  stop-stuffing: 20
  joint-termination: false
  drain-timeout: 5s
chain:
  - name: file
    role: input
    args: ["in.ts"]
  - name: until
    role: processor
    options:
      packets: "100"
  - name: file
    role: output
    args: ["${TSPIPE_TEST_OUT}"]
log:
  level: debug
status:
  listen: ":9090"
history:
  backend: memory
  keep: 5
`)

	cfg, err := NewLoader(path, "v1").WithLookup(MapLookup(map[string]string{"TSPIPE_TEST_OUT": "/tmp/out.ts"})).Load()
	require.NoError(t, err)

	assert.Equal(t, pipeline.Options{
		BufferSize:       512,
		StartStuffing:    10,
		StopStuffing:     20,
		JointTermination: false,
		DrainTimeout:     5 * time.Second,
	}, cfg.Pipeline)
	wantChain := []pipeline.Spec{
		{Name: "file", Role: stage.RoleInput, Args: []string{"in.ts"}},
		{Name: "until", Role: stage.RoleProcessor, Options: map[string]string{"packets": "100"}},
		{Name: "file", Role: stage.RoleOutput, Args: []string{"/tmp/out.ts"}},
	}
	if diff := cmp.Diff(wantChain, cfg.Chain); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Status.Listen)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, 5, cfg.History.Keep)
	assert.Equal(t, "v1", cfg.Version)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  inter-stage-buffer-size: 512
  drain-timeout: 5s
history:
  backend: memory
`)
	loader := NewLoader(path, "test").WithLookup(MapLookup(map[string]string{
		EnvBufferSize:       "1024",
		EnvDrainTimeout:     "250ms",
		EnvJointTermination: "false",
		EnvHistoryBackend:   "none",
	}))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Pipeline.BufferSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.DrainTimeout)
	assert.False(t, cfg.Pipeline.JointTermination)
	assert.False(t, cfg.HistoryEnabled())
	assert.Contains(t, loader.ConsumedEnvKeys, EnvBufferSize)
	assert.Contains(t, loader.ConsumedEnvKeys, EnvTracingEndpoint)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  bufferSise: 10\n")
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoad_MultipleDocumentsFail(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n---\nlog:\n  level: debug\n")
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoad_RejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tspipe.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML")
}

func TestLoad_BadDrainTimeout(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  drain-timeout: forever\n")
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "pipeline.drain-timeout", fe.Field)
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := envLoader(map[string]string{EnvBufferSize: "0"}).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseFile_Empty(t *testing.T) {
	fc, err := ParseFile(nil)
	require.NoError(t, err)
	assert.Nil(t, fc.Pipeline)
}
