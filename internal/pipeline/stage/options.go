// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stage

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	ErrMissingOption  = errors.New("missing required option")
	ErrUnknownOption  = errors.New("unknown option")
	ErrInvalidOption  = errors.New("invalid option value")
	ErrUnexpectedArgs = errors.New("unexpected arguments")
)

// OptionError attributes a rejected option to its name and raw value.
type OptionError struct {
	Option string
	Value  string
	Err    error
}

func (e *OptionError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("option --%s: %v", e.Option, e.Err)
	}
	return fmt.Sprintf("option --%s=%q: %v", e.Option, e.Value, e.Err)
}

func (e *OptionError) Unwrap() error { return e.Err }

// Options is the resolved option set of one stage: named values, possibly
// repeated, plus positional arguments.
type Options struct {
	values map[string][]string
	args   []string
}

func NewOptions() Options {
	return Options{values: make(map[string][]string)}
}

// OptionSpec declares one command-line option of a stage.
type OptionSpec struct {
	Name      string
	Shorthand string
	// IsFlag options take no value.
	IsFlag bool
}

// Flag declares a boolean option. shorthand may be empty.
func Flag(name, shorthand string) OptionSpec {
	return OptionSpec{Name: name, Shorthand: shorthand, IsFlag: true}
}

// Value declares an option taking a value. It may be repeated.
func Value(name, shorthand string) OptionSpec {
	return OptionSpec{Name: name, Shorthand: shorthand}
}

// OptionNames returns the names of specs, for Check.
func OptionNames(specs ...OptionSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// ParseArgs parses the command-line arguments of one stage against its
// declared options. Options and positional arguments may be interleaved.
// Everything after "--" is positional.
func ParseArgs(args []string, specs ...OptionSpec) (Options, error) {
	fs := pflag.NewFlagSet("stage", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	for _, sp := range specs {
		if sp.IsFlag {
			fs.BoolP(sp.Name, sp.Shorthand, false, "")
		} else {
			fs.StringArrayP(sp.Name, sp.Shorthand, nil, "")
		}
	}

	o := NewOptions()
	if err := fs.Parse(args); err != nil {
		return o, parseError(err)
	}
	fs.Visit(func(f *pflag.Flag) {
		if f.Value.Type() == "bool" {
			o.Add(f.Name, f.Value.String())
			return
		}
		values, _ := fs.GetStringArray(f.Name)
		for _, v := range values {
			o.Add(f.Name, v)
		}
	})
	o.args = fs.Args()
	return o, nil
}

func parseError(err error) error {
	var (
		missing *pflag.ValueRequiredError
		unknown *pflag.NotExistError
		invalid *pflag.InvalidValueError
	)
	switch {
	case errors.As(err, &missing):
		return &OptionError{Option: missing.GetSpecifiedName(), Err: ErrMissingOption}
	case errors.As(err, &unknown):
		return &OptionError{Option: unknown.GetSpecifiedName(), Err: ErrUnknownOption}
	case errors.As(err, &invalid):
		return &OptionError{Option: invalid.GetFlag().Name, Value: invalid.GetValue(), Err: ErrInvalidOption}
	}
	return fmt.Errorf("%w: %v", ErrInvalidOption, err)
}

// Set replaces all values of name.
func (o *Options) Set(name, value string) {
	if o.values == nil {
		o.values = make(map[string][]string)
	}
	o.values[name] = []string{value}
}

// Add appends a value to name.
func (o *Options) Add(name, value string) {
	if o.values == nil {
		o.values = make(map[string][]string)
	}
	o.values[name] = append(o.values[name], value)
}

// AddArg appends a positional argument.
func (o *Options) AddArg(a string) { o.args = append(o.args, a) }

func (o Options) Has(name string) bool {
	_, ok := o.values[name]
	return ok
}

// Args returns the positional arguments.
func (o Options) Args() []string { return slices.Clone(o.args) }

// Arg returns positional argument i or def.
func (o Options) Arg(i int, def string) string {
	if i < len(o.args) {
		return o.args[i]
	}
	return def
}

// Names returns the option names in sorted order.
func (o Options) Names() []string {
	names := make([]string, 0, len(o.values))
	for k := range o.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns the last value of name or def.
func (o Options) String(name, def string) string {
	v := o.values[name]
	if len(v) == 0 {
		return def
	}
	return v[len(v)-1]
}

// Strings returns every value of name, splitting comma-separated lists.
func (o Options) Strings(name string) []string {
	var out []string
	for _, v := range o.values[name] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Int parses name as an integer (decimal or 0x-prefixed).
func (o Options) Int(name string, def int) (int, error) {
	v := o.String(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return def, &OptionError{Option: name, Value: v, Err: ErrInvalidOption}
	}
	return int(n), nil
}

// IntRange is Int with inclusive bounds.
func (o Options) IntRange(name string, def, lo, hi int) (int, error) {
	n, err := o.Int(name, def)
	if err != nil {
		return def, err
	}
	if n < lo || n > hi {
		return def, &OptionError{Option: name, Value: o.String(name, ""), Err: fmt.Errorf("%w: want %d..%d", ErrInvalidOption, lo, hi)}
	}
	return n, nil
}

// Uint64 parses name as an unsigned integer.
func (o Options) Uint64(name string, def uint64) (uint64, error) {
	v := o.String(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return def, &OptionError{Option: name, Value: v, Err: ErrInvalidOption}
	}
	return n, nil
}

// Bool reports whether the flag name is set. An explicit value must parse
// as a boolean.
func (o Options) Bool(name string) (bool, error) {
	if !o.Has(name) {
		return false, nil
	}
	v := o.String(name, "")
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &OptionError{Option: name, Value: v, Err: ErrInvalidOption}
	}
	return b, nil
}

// Duration parses name as a Go duration.
func (o Options) Duration(name string, def time.Duration) (time.Duration, error) {
	v := o.String(name, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def, &OptionError{Option: name, Value: v, Err: ErrInvalidOption}
	}
	return d, nil
}

// Check rejects option names outside known and more than maxArgs positional
// arguments.
func (o Options) Check(maxArgs int, known ...string) error {
	for _, name := range o.Names() {
		if !slices.Contains(known, name) {
			return &OptionError{Option: name, Err: ErrUnknownOption}
		}
	}
	if len(o.args) > maxArgs {
		return fmt.Errorf("%w: %q", ErrUnexpectedArgs, o.args[maxArgs:])
	}
	return nil
}
