// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import "context"

// ProviderResult is one provider's outcome in a fan-out call.
type ProviderResult struct {
	PluginID string `json:"plugin_id"`
	OK       bool   `json:"ok"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MultiProxy serves a multi-mode capability: an ordered, capped
// provider list with fan-out dispatch alongside ordinary dispatch to
// the first-priority provider.
type MultiProxy struct {
	capability string
	proxies    []*Proxy
}

// NewMultiProxy builds the proxy over the resolved, already-capped
// provider order.
func NewMultiProxy(capability string, proxies []*Proxy) *MultiProxy {
	return &MultiProxy{capability: capability, proxies: proxies}
}

// Call dispatches to the first-priority provider.
func (m *MultiProxy) Call(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	return m.proxies[0].Call(ctx, function, args, kwargs)
}

// CallAll invokes every provider in order, collecting each outcome.
// It never fails as a whole: per-provider errors are captured in the
// corresponding result entry.
func (m *MultiProxy) CallAll(ctx context.Context, function string, args []any, kwargs map[string]any) []ProviderResult {
	results := make([]ProviderResult, 0, len(m.proxies))
	for _, proxy := range m.proxies {
		result, err := proxy.Call(ctx, function, args, kwargs)
		entry := ProviderResult{PluginID: proxy.PluginID(), OK: err == nil, Result: result}
		if err != nil {
			entry.Result = nil
			entry.Error = err.Error()
		}
		results = append(results, entry)
	}
	return results
}

// Providers returns the resolved plugin id order.
func (m *MultiProxy) Providers() []string {
	ids := make([]string, len(m.proxies))
	for i, proxy := range m.proxies {
		ids[i] = proxy.PluginID()
	}
	return ids
}
