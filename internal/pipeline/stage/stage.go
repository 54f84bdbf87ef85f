// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stage defines the contract between the pipeline engine and the
// pluggable input, processor and output stages.
package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuGH/tspipe/internal/ts"
)

// Role is the position a stage takes in a chain.
type Role string

const (
	RoleInput     Role = "input"
	RoleProcessor Role = "processor"
	RoleOutput    Role = "output"
)

// ParseRole accepts the role names and the single-letter chain flags I, P and O.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "i":
		return RoleInput, nil
	case "processor", "p", "plugin":
		return RoleProcessor, nil
	case "output", "o":
		return RoleOutput, nil
	default:
		return "", fmt.Errorf("unknown stage role %q", s)
	}
}

// Status is the per-packet verdict of a stage.
type Status int

const (
	// StatusOK forwards the unit downstream.
	StatusOK Status = iota
	// StatusDrop consumes the unit without forwarding it.
	StatusDrop
	// StatusEnd stops the stage gracefully. The unit that carried the
	// verdict is not forwarded.
	StatusEnd
	// StatusError aborts the stage.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDrop:
		return "drop"
	case StatusEnd:
		return "end"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Descriptor identifies a stage inside one pipeline.
type Descriptor struct {
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	Index int    `json:"index"`
}

// String renders the descriptor as name[index], which is also the metric label.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%d]", d.Name, d.Index)
}

// Stage is the lifecycle shared by every role.
//
// Configure validates options and must not acquire external resources.
// Start acquires resources. Stop releases them; the engine calls it exactly
// once for every stage whose Start was attempted, on every exit path.
type Stage interface {
	Configure(env *Env, opts Options) error
	Start(ctx context.Context, env *Env) error
	Stop(ctx context.Context, env *Env) error
}

// Input stages originate units.
type Input interface {
	Stage
	// Produce fills u with the next unit. StatusEnd signals end of stream.
	// Implementations must return promptly once ctx is done.
	Produce(ctx context.Context, env *Env, u *ts.Unit) (Status, error)
}

// Processor stages transform units in place. Output stages implement the
// same method as the final consumer of the chain.
type Processor interface {
	Stage
	Process(ctx context.Context, env *Env, u *ts.Unit) (Status, error)
}
