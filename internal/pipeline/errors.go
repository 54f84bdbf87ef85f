// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline/stage"
)

var (
	// ErrStageFailed is the cause recorded when a stage returns StatusError
	// without an error value.
	ErrStageFailed = errors.New("stage reported error status")
	// ErrDrainTimeout matches every DrainTimeoutError.
	ErrDrainTimeout = errors.New("drain timeout")
	// ErrInvalidChain reports a chain that is not input, processors, output.
	ErrInvalidChain = errors.New("invalid stage chain")
	// ErrAlreadyRun is returned when Run is called twice on one supervisor.
	ErrAlreadyRun = errors.New("pipeline already run")
)

func label(d stage.Descriptor) string {
	if d.Name == "" {
		return "pipeline"
	}
	return d.String()
}

// ConfigError is a configuration problem found before any resource was
// acquired. A zero Stage means an engine option.
type ConfigError struct {
	Stage stage.Descriptor
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("configure %s: %v", label(e.Stage), e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// StartError is a resource acquisition failure in Start.
type StartError struct {
	Stage stage.Descriptor
	Err   error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", label(e.Stage), e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// RuntimeError is a per-packet failure of a running stage.
type RuntimeError struct {
	Stage stage.Descriptor
	// Unit is the zero-based position of the failing unit in the stage's input.
	Unit uint64
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s failed at unit %d: %v", label(e.Stage), e.Unit, e.Err)
}
func (e *RuntimeError) Unwrap() error { return e.Err }

// StopError is a failure to release resources in Stop.
type StopError struct {
	Stage stage.Descriptor
	Err   error
}

func (e *StopError) Error() string { return fmt.Sprintf("stop %s: %v", label(e.Stage), e.Err) }
func (e *StopError) Unwrap() error { return e.Err }

// DrainTimeoutError names the stages still running when the drain timeout fired.
type DrainTimeoutError struct {
	Timeout time.Duration
	Stuck   []stage.Descriptor
}

func (e *DrainTimeoutError) Error() string {
	names := make([]string, len(e.Stuck))
	for i, d := range e.Stuck {
		names[i] = d.String()
	}
	return fmt.Sprintf("drain timeout after %s: stuck stages [%s]", e.Timeout, strings.Join(names, ", "))
}

func (e *DrainTimeoutError) Is(target error) bool { return target == ErrDrainTimeout }
