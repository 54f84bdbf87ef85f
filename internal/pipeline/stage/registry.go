// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownStage  = errors.New("unknown stage")
	ErrRoleMismatch  = errors.New("stage does not implement role")
	ErrDuplicateName = errors.New("stage already registered")
)

// Factory builds a fresh, unconfigured stage.
type Factory func() Stage

// Registration describes one stage implementation for one role.
type Registration struct {
	Name  string
	Role  Role
	Usage string
	// Options declares the command-line options the stage accepts.
	Options []OptionSpec
	New     Factory
}

// ParseArgs parses command-line arguments against the declared options.
func (reg Registration) ParseArgs(args []string) (Options, error) {
	return ParseArgs(args, reg.Options...)
}

// Registry maps (name, role) to stage factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func regKey(name string, role Role) string { return string(role) + "/" + name }

// Register adds a stage. The factory's product must implement the
// operations of the role; this is verified here rather than at run time.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.New == nil {
		return fmt.Errorf("register stage: name and factory are required")
	}
	if err := checkRole(reg.New(), reg.Role); err != nil {
		return fmt.Errorf("register %s %q: %w", reg.Role, reg.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey(reg.Name, reg.Role)
	if _, ok := r.entries[k]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicateName, reg.Role, reg.Name)
	}
	r.entries[k] = reg
	return nil
}

// MustRegister is Register for static tables.
func (r *Registry) MustRegister(regs ...Registration) {
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the registration of name in role.
func (r *Registry) Lookup(name string, role Role) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[regKey(name, role)]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s %q", ErrUnknownStage, role, name)
	}
	return reg, nil
}

// New builds a stage for role and checks it implements the role.
func (r *Registry) New(name string, role Role) (Stage, error) {
	reg, err := r.Lookup(name, role)
	if err != nil {
		return nil, err
	}
	s := reg.New()
	if err := checkRole(s, role); err != nil {
		return nil, fmt.Errorf("%s %q: %w", role, name, err)
	}
	return s, nil
}

// List returns every registration ordered by role then name.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	r.mu.RUnlock()
	order := map[Role]int{RoleInput: 0, RoleProcessor: 1, RoleOutput: 2}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return order[out[i].Role] < order[out[j].Role]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func checkRole(s Stage, role Role) error {
	switch role {
	case RoleInput:
		if _, ok := s.(Input); !ok {
			return fmt.Errorf("%w %s: missing Produce", ErrRoleMismatch, role)
		}
	case RoleProcessor, RoleOutput:
		if _, ok := s.(Processor); !ok {
			return fmt.Errorf("%w %s: missing Process", ErrRoleMismatch, role)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrRoleMismatch, role)
	}
	return nil
}

// Descriptor renders the registration as role/name.
func (reg Registration) Descriptor() string { return regKey(reg.Name, reg.Role) }
