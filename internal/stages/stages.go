// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stages collects the built-in stage implementations.
package stages

import (
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/stages/basic"
	"github.com/ManuGH/tspipe/internal/stages/fileio"
	"github.com/ManuGH/tspipe/internal/stages/ipio"
	"github.com/ManuGH/tspipe/internal/stages/redisout"
)

// RegisterAll adds every built-in stage to r.
func RegisterAll(r *stage.Registry) {
	basic.Register(r)
	fileio.Register(r)
	ipio.Register(r)
	redisout.Register(r)
}

// Default returns a registry holding every built-in stage.
func Default() *stage.Registry {
	r := stage.NewRegistry()
	RegisterAll(r)
	return r
}
