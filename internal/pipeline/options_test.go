// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"testing"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *stage.Registry {
	r := stage.NewRegistry()
	r.MustRegister(
		stage.Registration{Name: "slice", Role: stage.RoleInput, New: func() stage.Stage { return newSliceInput(1) }},
		stage.Registration{Name: "nop", Role: stage.RoleProcessor, New: func() stage.Stage { return &funcStage{} }},
		stage.Registration{Name: "rec", Role: stage.RoleOutput, Options: []stage.OptionSpec{stage.Flag("append", "a"), stage.Value("format", "")}, New: func() stage.Stage { return &recorder{} }},
	)
	return r
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Validate())
	assert.Equal(t, 4096, o.BufferSize)
	assert.True(t, o.JointTermination)
	assert.Equal(t, DefaultDrainTimeout, o.DrainTimeout)
	assert.Zero(t, o.StartStuffing)
	assert.Zero(t, o.StopStuffing)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"buffer too small", func(o *Options) { o.BufferSize = 0 }, "inter-stage-buffer-size"},
		{"buffer too large", func(o *Options) { o.BufferSize = MaxBufferSize + 1 }, "inter-stage-buffer-size"},
		{"negative start stuffing", func(o *Options) { o.StartStuffing = -1 }, "start-stuffing"},
		{"negative stop stuffing", func(o *Options) { o.StopStuffing = -1 }, "stop-stuffing"},
		{"zero drain timeout", func(o *Options) { o.DrainTimeout = 0 }, "drain-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			err := o.Validate()
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInstantiate(t *testing.T) {
	bound, err := Instantiate(testRegistry(), []Spec{
		{Name: "slice", Role: stage.RoleInput},
		{Name: "nop", Role: stage.RoleProcessor},
		{Name: "rec", Role: stage.RoleOutput, Args: []string{"-a", "out.ts"}, Options: map[string]string{"format": "m2ts"}},
	})
	require.NoError(t, err)
	require.Len(t, bound, 3)

	out := bound[2]
	assert.Equal(t, stage.Descriptor{Name: "rec", Role: stage.RoleOutput, Index: 2}, out.Desc)
	assert.Equal(t, "out.ts", out.Options.Arg(0, ""))
	assert.Equal(t, "m2ts", out.Options.String("format", ""))
	appendFlag, err := out.Options.Bool("append")
	require.NoError(t, err)
	assert.True(t, appendFlag)
}

func TestInstantiateUnknownStage(t *testing.T) {
	_, err := Instantiate(testRegistry(), []Spec{
		{Name: "slice", Role: stage.RoleInput},
		{Name: "missing", Role: stage.RoleOutput},
	})
	require.ErrorIs(t, err, stage.ErrUnknownStage)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Stage.Index)
}

func TestInstantiateRejectsUndeclaredOption(t *testing.T) {
	_, err := Instantiate(testRegistry(), []Spec{
		{Name: "slice", Role: stage.RoleInput},
		{Name: "rec", Role: stage.RoleOutput, Args: []string{"--atomic", "out.ts"}},
	})
	require.ErrorIs(t, err, stage.ErrUnknownOption)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "rec", cerr.Stage.Name)
}

func TestCheckChain(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		ok    bool
	}{
		{"input and output", []Spec{{Name: "a", Role: stage.RoleInput}, {Name: "b", Role: stage.RoleOutput}}, true},
		{"single stage", []Spec{{Name: "a", Role: stage.RoleInput}}, false},
		{"output first", []Spec{{Name: "a", Role: stage.RoleOutput}, {Name: "b", Role: stage.RoleOutput}}, false},
		{"input in the middle", []Spec{
			{Name: "a", Role: stage.RoleInput}, {Name: "b", Role: stage.RoleInput}, {Name: "c", Role: stage.RoleOutput},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckChain(tt.specs)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidChain)
		})
	}
}
