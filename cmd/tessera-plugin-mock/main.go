// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Tessera-plugin-mock is a subprocess plugin for demos and manual
// testing. Point a manifest's subprocess entrypoint at the built
// binary and it serves the mock.echo capability:
//
//   - echo: returns its arguments unchanged
//   - settings: returns the settings object the host sent
//   - bytes: returns n pattern bytes, exercising binary tagging
//   - sleep: blocks for the given seconds, for timeout testing
//   - boom: always fails
//   - panic: panics, proving the serve loop converts it to an error
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-dev/tessera/lib/process"
	"github.com/tessera-dev/tessera/plugin"
)

func main() {
	if err := plugin.Serve(plugin.ServeConfig{Build: build}); err != nil {
		process.Fatal(fmt.Errorf("tessera-plugin-mock: %w", err))
	}
}

func build(env plugin.Env) (plugin.Plugin, error) {
	return plugin.Table{
		"mock.echo": {
			"echo": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return map[string]any{"args": args, "kwargs": kwargs}, nil
			},
			"settings": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return env.Settings, nil
			},
			"bytes": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				n, err := floatArg(args, 0)
				if err != nil {
					return nil, err
				}
				out := make([]byte, int(n))
				for i := range out {
					out[i] = byte(i % 251)
				}
				return out, nil
			},
			"sleep": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				seconds, err := floatArg(args, 0)
				if err != nil {
					return nil, err
				}
				time.Sleep(time.Duration(seconds * float64(time.Second)))
				return "slept", nil
			},
			"boom": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return nil, errors.New("induced failure")
			},
			"panic": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				panic("induced panic")
			},
		},
	}, nil
}

func floatArg(args []any, i int) (float64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("argument %d is required", i)
	}
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %d: want a number, got %T", i, args[i])
	}
}
