// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/lib/clock"
)

// Invoker executes one function of one capability. In-process plugins
// implement it directly; subprocess plugins are reached through a
// host-backed invoker.
type Invoker interface {
	Invoke(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error)
}

// Contract validates a capability's inputs and outputs against its
// declared I/O schema. Nil contract means no validation.
type Contract interface {
	ValidateInput(function string, args []any, kwargs map[string]any) error
	ValidateOutput(function string, result any) error
}

// Provider is one plugin's implementation of one capability name,
// together with the guard material its calls run under.
type Provider struct {
	PluginID   string
	Capability string

	// Functions is the plugin's explicit method table for this
	// capability. Dispatch goes through this table only; a function
	// absent from it does not exist, whatever the implementation
	// might otherwise answer.
	Functions map[string]bool

	Invoker  Invoker
	Contract Contract

	// Filesystem and NetworkAllowed are the callee-side guard
	// activation for every call, nested calls included.
	Filesystem     guard.FilesystemPolicy
	NetworkAllowed bool

	// CodeHash and SettingsHash flow into every audit record so the
	// trail binds each call to the verified artifact and settings
	// that served it.
	CodeHash     string
	SettingsHash string
}

// AuditSink receives one record per proxied call.
type AuditSink interface {
	Append(ctx context.Context, record *audit.Record) error
}

// TraceSink receives call_start and call_end events.
type TraceSink interface {
	Write(event audit.Event) error
}

// Env is the per-registry machinery shared by every proxy: guard
// sandbox, audit and trace sinks, the run seed for deterministic RNG
// scoping, and the call id counter.
type Env struct {
	Sandbox *guard.Sandbox
	Audit   AuditSink
	Trace   TraceSink
	RunSeed []byte
	Clock   clock.Clock
	Logger  *slog.Logger

	callID atomic.Uint64
}

func (e *Env) nextCallID() uint64 {
	return e.callID.Add(1)
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Proxy wraps one provider with the per-call pipeline.
type Proxy struct {
	provider Provider
	env      *Env
}

// NewProxy builds the proxy for one provider.
func NewProxy(provider Provider, env *Env) *Proxy {
	return &Proxy{provider: provider, env: env}
}

// PluginID returns the wrapped provider's plugin id.
func (p *Proxy) PluginID() string { return p.provider.PluginID }

// Call runs one function through the full pipeline: input contract,
// scoped RNG, network guard, filesystem guard (the callee's), the
// real invocation, output contract. An audit record and paired trace
// events are emitted for every call, success or failure, and errors
// propagate to the caller unchanged.
func (p *Proxy) Call(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	start := p.env.Clock.Now()
	callID := p.env.nextCallID()

	scope, ok := guard.ScopeFrom(ctx)
	if !ok {
		scope = p.env.Sandbox.NewScope()
		ctx = guard.WithScope(ctx, scope)
	}

	p.emitTrace(audit.Event{
		Time:       start.UnixNano(),
		Kind:       audit.EventCallStart,
		CallID:     callID,
		PluginID:   p.provider.PluginID,
		Capability: p.provider.Capability,
		Method:     function,
	})

	result, callErr := p.invoke(ctx, scope, function, args, kwargs)

	duration := p.env.Clock.Now().Sub(start)
	p.record(ctx, start, duration, function, args, kwargs, result, callErr)

	succeeded := callErr == nil
	end := audit.Event{
		Time:       start.Add(duration).UnixNano(),
		Kind:       audit.EventCallEnd,
		CallID:     callID,
		PluginID:   p.provider.PluginID,
		Capability: p.provider.Capability,
		Method:     function,
		OK:         &succeeded,
		DurationMS: durationMS(duration),
	}
	if callErr != nil {
		end.Error = callErr.Error()
	}
	p.emitTrace(end)

	return result, callErr
}

func (p *Proxy) invoke(ctx context.Context, scope *guard.Scope, function string, args []any, kwargs map[string]any) (any, error) {
	if !p.provider.Functions[function] {
		return nil, &PolicyError{
			Capability: p.provider.Capability,
			Reason:     "function " + function + " is not exposed by " + p.provider.PluginID,
		}
	}
	if p.provider.Contract != nil {
		if err := p.provider.Contract.ValidateInput(function, args, kwargs); err != nil {
			return nil, err
		}
	}

	releaseRNG := scope.PushRNG(scopedRNG(p.env.RunSeed, p.provider.PluginID))
	defer releaseRNG()
	releaseNet := scope.PushNetwork(p.provider.NetworkAllowed)
	defer releaseNet()
	releaseFS := scope.PushFilesystem(p.provider.Filesystem)
	defer releaseFS()

	result, err := p.provider.Invoker.Invoke(ctx, p.provider.Capability, function, args, kwargs)
	if err != nil {
		return nil, err
	}

	if p.provider.Contract != nil {
		if err := p.provider.Contract.ValidateOutput(function, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Proxy) record(ctx context.Context, start time.Time, duration time.Duration, function string, args []any, kwargs map[string]any, result any, callErr error) {
	if p.env.Audit == nil {
		return
	}

	record := &audit.Record{
		Timestamp:    start.UnixNano(),
		PluginID:     p.provider.PluginID,
		Capability:   p.provider.Capability,
		Method:       function,
		OK:           callErr == nil,
		DurationMS:   durationMS(duration),
		CodeHash:     p.provider.CodeHash,
		SettingsHash: p.provider.SettingsHash,
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}

	inputHash, err := audit.HashPayload(map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		p.env.logger().Warn("audit input hash failed",
			"plugin_id", p.provider.PluginID,
			"capability", p.provider.Capability,
			"error", err,
		)
	} else {
		record.InputHash = inputHash
	}
	if callErr == nil {
		outputHash, err := audit.HashPayload(result)
		if err != nil {
			p.env.logger().Warn("audit output hash failed",
				"plugin_id", p.provider.PluginID,
				"capability", p.provider.Capability,
				"error", err,
			)
		} else {
			record.OutputHash = outputHash
		}
		if rows, ok := result.([]any); ok {
			record.OutputRows = int64(len(rows))
		}
	}

	// The record must land even when the call's context died, which
	// is exactly what happens after an RPC timeout.
	if err := p.env.Audit.Append(context.WithoutCancel(ctx), record); err != nil {
		p.env.logger().Error("audit append failed",
			"plugin_id", p.provider.PluginID,
			"capability", p.provider.Capability,
			"error", err,
		)
	}
}

func (p *Proxy) emitTrace(event audit.Event) {
	if p.env.Trace == nil {
		return
	}
	if err := p.env.Trace.Write(event); err != nil {
		p.env.logger().Warn("trace write failed",
			"plugin_id", event.PluginID,
			"kind", event.Kind,
			"error", err,
		)
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
