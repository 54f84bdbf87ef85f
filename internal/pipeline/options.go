// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
)

const (
	DefaultBufferSize   = 4096
	DefaultDrainTimeout = 30 * time.Second
	// MaxBufferSize bounds one inter-stage buffer to 64 MiB of packets.
	MaxBufferSize = 64 << 20 / 188

	// forceGrace is how long the supervisor waits for runners after
	// force-cancelling them on drain timeout.
	forceGrace = 2 * time.Second
)

// Options are the cross-cutting settings interpreted by the engine itself.
type Options struct {
	BufferSize       int           `json:"inter_stage_buffer_size"`
	StartStuffing    int           `json:"start_stuffing"`
	StopStuffing     int           `json:"stop_stuffing"`
	JointTermination bool          `json:"joint_termination"`
	DrainTimeout     time.Duration `json:"drain_timeout"`
}

func DefaultOptions() Options {
	return Options{
		BufferSize:       DefaultBufferSize,
		JointTermination: true,
		DrainTimeout:     DefaultDrainTimeout,
	}
}

// Validate returns a ConfigError for every out of range option.
func (o Options) Validate() error {
	var errs []error
	if o.BufferSize < 1 || o.BufferSize > MaxBufferSize {
		errs = append(errs, fmt.Errorf("inter-stage-buffer-size %d out of range 1..%d", o.BufferSize, MaxBufferSize))
	}
	if o.StartStuffing < 0 {
		errs = append(errs, fmt.Errorf("start-stuffing must not be negative, got %d", o.StartStuffing))
	}
	if o.StopStuffing < 0 {
		errs = append(errs, fmt.Errorf("stop-stuffing must not be negative, got %d", o.StopStuffing))
	}
	if o.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("drain-timeout must be positive, got %s", o.DrainTimeout))
	}
	if len(errs) == 0 {
		return nil
	}
	return &ConfigError{Err: errors.Join(errs...)}
}

// Spec is the declarative form of one stage in a chain.
type Spec struct {
	Name    string            `yaml:"name" json:"name"`
	Role    stage.Role        `yaml:"role" json:"role"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Bound is a stage instance ready for the supervisor.
type Bound struct {
	Desc    stage.Descriptor
	Stage   stage.Stage
	Options stage.Options
}

// Instantiate resolves specs against reg. Every problem is a ConfigError
// naming the stage.
func Instantiate(reg *stage.Registry, specs []Spec) ([]Bound, error) {
	if err := CheckChain(specs); err != nil {
		return nil, err
	}
	out := make([]Bound, 0, len(specs))
	var errs []error
	for i, sp := range specs {
		d := stage.Descriptor{Name: sp.Name, Role: sp.Role, Index: i}
		r, err := reg.Lookup(sp.Name, sp.Role)
		if err != nil {
			errs = append(errs, &ConfigError{Stage: d, Err: err})
			continue
		}
		opts, err := r.ParseArgs(sp.Args)
		if err != nil {
			errs = append(errs, &ConfigError{Stage: d, Err: err})
			continue
		}
		for k, v := range sp.Options {
			opts.Set(k, v)
		}
		s, err := reg.New(sp.Name, sp.Role)
		if err != nil {
			errs = append(errs, &ConfigError{Stage: d, Err: err})
			continue
		}
		out = append(out, Bound{Desc: d, Stage: s, Options: opts})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// CheckChain requires one input first, one output last and only
// processors in between.
func CheckChain(specs []Spec) error {
	if len(specs) < 2 {
		return &ConfigError{Err: fmt.Errorf("%w: need at least an input and an output, got %d stages", ErrInvalidChain, len(specs))}
	}
	for i, sp := range specs {
		want := stage.RoleProcessor
		switch i {
		case 0:
			want = stage.RoleInput
		case len(specs) - 1:
			want = stage.RoleOutput
		}
		if sp.Role != want {
			d := stage.Descriptor{Name: sp.Name, Role: sp.Role, Index: i}
			return &ConfigError{Stage: d, Err: fmt.Errorf("%w: position %d must be %s, got %q", ErrInvalidChain, i, want, sp.Role)}
		}
	}
	return nil
}
