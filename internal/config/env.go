// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves one environment variable. os.LookupEnv reads the
// process environment.
type LookupFunc func(key string) (string, bool)

// MapLookup resolves variables from m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// envValue resolves key through the loader's lookup and parses it. Unset
// and empty variables keep def, as do values that fail to parse.
func envValue[T any](l *Loader, key string, def T, parse func(string) (T, error)) T {
	l.ConsumedEnvKeys[key] = struct{}{}
	logger := l.logger.With().Str("key", key).Logger()

	raw, ok := l.lookup(key)
	if !ok || raw == "" {
		logger.Debug().Interface("value", def).Str("source", "default").Msg("config value")
		return def
	}
	v, err := parse(raw)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("source", key).
			Interface("default", def).
			Msg("invalid environment value, keeping default")
		return def
	}
	ev := logger.Debug().Str("source", key)
	if sensitiveKey(key) {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Interface("value", v)
	}
	ev.Msg("config value")
	return v
}

func sensitiveKey(key string) bool {
	k := strings.ToUpper(key)
	return strings.Contains(k, "PASSWORD") || strings.Contains(k, "TOKEN")
}

func (l *Loader) envString(key, def string) string {
	return envValue(l, key, def, func(s string) (string, error) { return s, nil })
}

func (l *Loader) envInt(key string, def int) int {
	return envValue(l, key, def, strconv.Atoi)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	return envValue(l, key, def, time.ParseDuration)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	return envValue(l, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (l *Loader) envBool(key string, def bool) bool {
	return envValue(l, key, def, parseBool)
}

// parseBool accepts true/false, 1/0, yes/no and on/off in any case.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// expand substitutes ${VAR} and $VAR in file values. Unset variables
// expand to the empty string.
func (l *Loader) expand(s string) string {
	return os.Expand(s, func(key string) string {
		v, _ := l.lookup(key)
		return v
	})
}

func (l *Loader) expandAll(args []string) []string {
	if args == nil {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = l.expand(a)
	}
	return out
}
