// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tessera-dev/tessera/rpc"
)

// ServeConfig configures the child-side protocol loop.
type ServeConfig struct {
	// Build constructs the plugin from the settings object the host
	// sends as the first line. Required. The env carries no Caps:
	// a subprocess child has no path back into the kernel.
	Build Factory

	// Input and Output default to stdin and stdout. Diagnostics
	// belong on stderr; the host forwards them to its log.
	Input  io.Reader
	Output io.Writer

	Logger *slog.Logger
}

// Serve runs a plugin as a subprocess child: read the settings line,
// build the plugin, then answer requests until stdin closes. A
// handler error or panic becomes an error response; the loop itself
// only ends on EOF or a broken pipe.
func Serve(cfg ServeConfig) error {
	if cfg.Build == nil {
		return fmt.Errorf("serve: Build is required")
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	reader := rpc.NewReader(cfg.Input)
	writer := rpc.NewWriter(cfg.Output)

	var settings map[string]any
	if err := reader.Next(&settings); err != nil {
		return fmt.Errorf("serve: reading settings line: %w", err)
	}

	p, err := cfg.Build(Env{Settings: settings, Logger: logger})
	if err != nil {
		return fmt.Errorf("serve: building plugin: %w", err)
	}
	defer p.Close()

	for {
		var req rpc.Request
		if err := reader.Next(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("serve: reading request: %w", err)
		}
		resp := handle(p, req, logger)
		if err := writer.Write(resp); err != nil {
			return fmt.Errorf("serve: writing response: %w", err)
		}
	}
}

func handle(p Plugin, req rpc.Request, logger *slog.Logger) (resp *rpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				"method", req.Method,
				"capability", req.Capability,
				"function", req.Function,
				"panic", r,
			)
			resp = &rpc.Response{ID: req.ID, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := req.Validate(); err != nil {
		return &rpc.Response{ID: req.ID, Error: err.Error()}
	}

	switch req.Method {
	case rpc.MethodCapabilities:
		return &rpc.Response{ID: req.ID, OK: true, Result: p.Capabilities()}

	case rpc.MethodCall:
		args, _ := rpc.UntagBytes(req.Args).([]any)
		kwargs, _ := rpc.UntagBytes(req.Kwargs).(map[string]any)
		result, err := p.Invoke(context.Background(), req.Capability, req.Function, args, kwargs)
		if err != nil {
			return &rpc.Response{ID: req.ID, Error: err.Error()}
		}
		return &rpc.Response{ID: req.ID, OK: true, Result: rpc.TagBytes(result)}

	default:
		return &rpc.Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}
