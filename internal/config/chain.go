// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"

	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
)

// DefaultStage is used for a missing -I or -O: stdin and stdout.
const DefaultStage = "file"

var roleFlags = map[string]stage.Role{
	"-I": stage.RoleInput,
	"-P": stage.RoleProcessor,
	"-O": stage.RoleOutput,
}

// ParseChain turns "-I name [args] -P name [args] ... -O name [args]" into
// an ordered chain. Everything after a stage name up to the next role flag
// belongs to that stage. A missing input or output defaults to the file
// stage on stdin or stdout.
func ParseChain(args []string) ([]pipeline.Spec, error) {
	var (
		input, output *pipeline.Spec
		procs         []pipeline.Spec
		cur           *pipeline.Spec
	)
	for i := 0; i < len(args); i++ {
		role, isFlag := roleFlags[args[i]]
		if !isFlag {
			if cur == nil {
				return nil, fmt.Errorf("%w: unexpected argument %q before -I, -P or -O", ErrInvalidChain, args[i])
			}
			cur.Args = append(cur.Args, args[i])
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%w: %s requires a stage name", ErrInvalidChain, args[i])
		}
		if _, next := roleFlags[args[i+1]]; next {
			return nil, fmt.Errorf("%w: %s requires a stage name", ErrInvalidChain, args[i])
		}
		i++
		sp := pipeline.Spec{Name: args[i], Role: role}
		switch role {
		case stage.RoleInput:
			if input != nil {
				return nil, fmt.Errorf("%w: more than one input", ErrInvalidChain)
			}
			input = &sp
			cur = input
		case stage.RoleOutput:
			if output != nil {
				return nil, fmt.Errorf("%w: more than one output", ErrInvalidChain)
			}
			output = &sp
			cur = output
		default:
			procs = append(procs, sp)
			cur = &procs[len(procs)-1]
		}
	}

	if input == nil {
		input = &pipeline.Spec{Name: DefaultStage, Role: stage.RoleInput}
	}
	if output == nil {
		output = &pipeline.Spec{Name: DefaultStage, Role: stage.RoleOutput}
	}
	chain := make([]pipeline.Spec, 0, len(procs)+2)
	chain = append(chain, *input)
	chain = append(chain, procs...)
	return append(chain, *output), nil
}
