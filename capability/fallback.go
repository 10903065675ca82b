// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"log/slog"
)

// FallbackProxy serves a single-mode capability that resolved to more
// than one distinct plugin. Each call tries providers in resolved
// order and returns the first success; if every provider fails, the
// last failure is returned. There is no backoff and no retry of a
// provider within one call.
type FallbackProxy struct {
	capability string
	proxies    []*Proxy
	logger     *slog.Logger
}

// NewFallbackProxy builds a fallback chain over the resolved proxies.
func NewFallbackProxy(capability string, proxies []*Proxy, logger *slog.Logger) *FallbackProxy {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FallbackProxy{capability: capability, proxies: proxies, logger: logger}
}

// Call tries each provider in order until one succeeds.
func (f *FallbackProxy) Call(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	var lastErr error
	for i, proxy := range f.proxies {
		result, err := proxy.Call(ctx, function, args, kwargs)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < len(f.proxies)-1 {
			f.logger.Warn("provider failed, falling back",
				"capability", f.capability,
				"method", function,
				"plugin_id", proxy.PluginID(),
				"error", err,
			)
		}
	}
	return nil, lastErr
}
