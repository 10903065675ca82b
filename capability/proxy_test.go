// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/lib/clock"
)

type memorySink struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (m *memorySink) Append(ctx context.Context, record *audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memorySink) last(t *testing.T) *audit.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no audit records")
	}
	return m.records[len(m.records)-1]
}

type memoryTrace struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryTrace) Write(event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type invokeFunc func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error)

func (f invokeFunc) Invoke(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, capability, function, args, kwargs)
}

func newTestEnv(t *testing.T) (*Env, *memorySink, *memoryTrace) {
	t.Helper()
	sink := &memorySink{}
	trace := &memoryTrace{}
	env := &Env{
		Sandbox: guard.NewSandbox(),
		Audit:   sink,
		Trace:   trace,
		RunSeed: []byte("test-run-seed"),
		Clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  slog.New(slog.DiscardHandler),
	}
	return env, sink, trace
}

func writableProvider(t *testing.T, pluginID, capName string, root string, functions []string, invoke invokeFunc) Provider {
	t.Helper()
	policy, err := guard.NewFilesystemPolicy(nil, []string{root})
	if err != nil {
		t.Fatalf("NewFilesystemPolicy: %v", err)
	}
	table := make(map[string]bool, len(functions))
	for _, fn := range functions {
		table[fn] = true
	}
	return Provider{
		PluginID:     pluginID,
		Capability:   capName,
		Functions:    table,
		Invoker:      invoke,
		Filesystem:   policy,
		CodeHash:     "deadbeef",
		SettingsHash: "cafef00d",
	}
}

func TestProxyPipelineSuccess(t *testing.T) {
	env, sink, trace := newTestEnv(t)
	root := t.TempDir()

	provider := writableProvider(t, "media.encoder", "media.transcode", root,
		[]string{"probe"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			return []any{"h264", "aac", "srt"}, nil
		})
	proxy := NewProxy(provider, env)

	result, err := proxy.Call(context.Background(), "probe", []any{"input.mkv"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	streams, ok := result.([]any)
	if !ok || len(streams) != 3 {
		t.Fatalf("result = %#v", result)
	}

	record := sink.last(t)
	if !record.OK || record.PluginID != "media.encoder" || record.Capability != "media.transcode" || record.Method != "probe" {
		t.Errorf("record = %+v", record)
	}
	if record.InputHash == "" || record.OutputHash == "" {
		t.Errorf("record missing hashes: %+v", record)
	}
	if record.OutputRows != 3 {
		t.Errorf("OutputRows = %d, want 3", record.OutputRows)
	}
	if record.CodeHash != "deadbeef" || record.SettingsHash != "cafef00d" {
		t.Errorf("record hash bindings = %+v", record)
	}

	if len(trace.events) != 2 {
		t.Fatalf("got %d trace events, want start+end", len(trace.events))
	}
	if trace.events[0].Kind != audit.EventCallStart || trace.events[1].Kind != audit.EventCallEnd {
		t.Errorf("trace kinds = %s, %s", trace.events[0].Kind, trace.events[1].Kind)
	}
	if trace.events[0].CallID != trace.events[1].CallID {
		t.Errorf("trace call ids differ: %d vs %d", trace.events[0].CallID, trace.events[1].CallID)
	}
	if trace.events[1].OK == nil || !*trace.events[1].OK {
		t.Errorf("end event ok = %+v", trace.events[1].OK)
	}
}

func TestProxyRecordsFailureAndPropagates(t *testing.T) {
	env, sink, trace := newTestEnv(t)
	root := t.TempDir()

	wantErr := errors.New("codec unavailable")
	provider := writableProvider(t, "media.encoder", "media.transcode", root,
		[]string{"encode"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			return nil, wantErr
		})
	proxy := NewProxy(provider, env)

	_, err := proxy.Call(context.Background(), "encode", nil, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Call error = %v, want the invoker's error unchanged", err)
	}

	record := sink.last(t)
	if record.OK {
		t.Errorf("record.OK = true for failed call")
	}
	if record.Error != "codec unavailable" {
		t.Errorf("record.Error = %q", record.Error)
	}
	if record.InputHash == "" {
		t.Errorf("failed call must still hash its input")
	}
	if record.OutputHash != "" {
		t.Errorf("failed call must not carry an output hash")
	}

	end := trace.events[len(trace.events)-1]
	if end.Kind != audit.EventCallEnd || end.OK == nil || *end.OK || end.Error == "" {
		t.Errorf("end event = %+v", end)
	}
}

func TestProxyRejectsUnknownFunction(t *testing.T) {
	env, sink, _ := newTestEnv(t)
	root := t.TempDir()

	invoked := false
	provider := writableProvider(t, "media.encoder", "media.transcode", root,
		[]string{"probe"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			invoked = true
			return nil, nil
		})
	proxy := NewProxy(provider, env)

	_, err := proxy.Call(context.Background(), "transmute", nil, nil)
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("err = %v, want *PolicyError", err)
	}
	if invoked {
		t.Errorf("invoker ran for a function outside the method table")
	}
	if record := sink.last(t); record.OK {
		t.Errorf("rejected call still audited as ok")
	}
}

// rejectingContract fails input validation for a fixed function name
// and output validation when the result is nil.
type rejectingContract struct {
	badInput string
}

func (c *rejectingContract) ValidateInput(function string, args []any, kwargs map[string]any) error {
	if function == c.badInput {
		return fmt.Errorf("input contract: %s rejected", function)
	}
	return nil
}

func (c *rejectingContract) ValidateOutput(function string, result any) error {
	if result == nil {
		return fmt.Errorf("output contract: nil result")
	}
	return nil
}

func TestProxyContractValidation(t *testing.T) {
	env, _, _ := newTestEnv(t)
	root := t.TempDir()

	invocations := 0
	provider := writableProvider(t, "media.encoder", "media.transcode", root,
		[]string{"good", "bad_in", "bad_out"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			invocations++
			if function == "bad_out" {
				return nil, nil
			}
			return "done", nil
		})
	provider.Contract = &rejectingContract{badInput: "bad_in"}
	proxy := NewProxy(provider, env)

	if _, err := proxy.Call(context.Background(), "good", nil, nil); err != nil {
		t.Fatalf("good call: %v", err)
	}
	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1", invocations)
	}

	if _, err := proxy.Call(context.Background(), "bad_in", nil, nil); err == nil {
		t.Fatalf("bad_in call succeeded, want input contract error")
	}
	if invocations != 1 {
		t.Errorf("invoker ran despite input contract rejection")
	}

	if _, err := proxy.Call(context.Background(), "bad_out", nil, nil); err == nil {
		t.Fatalf("bad_out call succeeded, want output contract error")
	}
	if invocations != 2 {
		t.Errorf("invocations = %d, want 2", invocations)
	}
}

func TestNestedCallRunsUnderCalleeGuards(t *testing.T) {
	env, _, _ := newTestEnv(t)
	base := t.TempDir()
	dirA := filepath.Join(base, "a")
	dirB := filepath.Join(base, "b")
	for _, dir := range []string{dirA, dirB} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	callee := writableProvider(t, "callee.plugin", "files.sink", dirB,
		[]string{"write", "steal"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			scope, ok := guard.ScopeFrom(ctx)
			if !ok {
				return nil, errors.New("no scope in context")
			}
			switch function {
			case "write":
				target := filepath.Join(dirB, "out.txt")
				if err := scope.CheckWrite(target); err != nil {
					return nil, err
				}
				return nil, os.WriteFile(target, []byte("ok"), 0o644)
			case "steal":
				if err := scope.CheckRead(filepath.Join(dirA, "secret.txt")); err != nil {
					return nil, err
				}
				return "leaked", nil
			}
			return nil, errors.New("unknown function")
		})

	var registry *Registry
	caller := writableProvider(t, "caller.plugin", "app.entry", dirA,
		[]string{"relay"},
		func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
			scope, _ := guard.ScopeFrom(ctx)
			own := filepath.Join(dirA, "own.txt")
			if err := scope.CheckWrite(own); err != nil {
				return nil, fmt.Errorf("own root denied before nested call: %w", err)
			}
			target, _ := args[0].(string)
			if _, err := registry.Call(ctx, "files.sink", target, nil, nil); err != nil {
				return nil, err
			}
			if err := scope.CheckWrite(own); err != nil {
				return nil, fmt.Errorf("own root denied after nested call: %w", err)
			}
			return "relayed", nil
		})

	var err error
	registry, err = Build([]Provider{callee, caller}, nil, nil, env)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dirA, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	// The callee writes under its own root even though the caller's
	// policy does not include it.
	if _, err := registry.Call(context.Background(), "app.entry", "relay", []any{"write"}, nil); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dirB, "out.txt")); err != nil {
		t.Errorf("callee write did not land: %v", err)
	}

	// The callee cannot read the caller's root: the nested frame is
	// the callee's policy, not the caller's.
	_, err = registry.Call(context.Background(), "app.entry", "relay", []any{"steal"}, nil)
	if kind, ok := guard.KindOf(err); !ok || kind != guard.FilesystemDenied {
		t.Fatalf("relay steal error = %v, want filesystem_denied", err)
	}
}

func TestProxyNetworkGuard(t *testing.T) {
	env, _, _ := newTestEnv(t)
	root := t.TempDir()

	checkNetwork := func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
		scope, _ := guard.ScopeFrom(ctx)
		if err := scope.CheckNetwork(); err != nil {
			return nil, err
		}
		return "online", nil
	}

	offline := writableProvider(t, "offline.plugin", "net.denied", root, []string{"dial"}, checkNetwork)
	online := writableProvider(t, "online.plugin", "net.allowed", root, []string{"dial"}, checkNetwork)
	online.NetworkAllowed = true

	registry, err := Build([]Provider{offline, online}, nil, nil, env)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = registry.Call(context.Background(), "net.denied", "dial", nil, nil)
	if kind, ok := guard.KindOf(err); !ok || kind != guard.NetworkDenied {
		t.Errorf("offline plugin dial error = %v, want network_denied", err)
	}
	if _, err := registry.Call(context.Background(), "net.allowed", "dial", nil, nil); err != nil {
		t.Errorf("online plugin dial error = %v, want nil", err)
	}
}

func TestScopedRNGDeterminism(t *testing.T) {
	draw := func(env *Env, pluginID string) []uint64 {
		provider := writableProvider(t, pluginID, "sim.roll", t.TempDir(),
			[]string{"roll"},
			func(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
				scope, _ := guard.ScopeFrom(ctx)
				rng := scope.RNG()
				if rng == nil {
					return nil, errors.New("no scoped rng")
				}
				values := make([]uint64, 4)
				for i := range values {
					values[i] = rng.Uint64()
				}
				return values, nil
			})
		proxy := NewProxy(provider, env)
		result, err := proxy.Call(context.Background(), "roll", nil, nil)
		if err != nil {
			t.Fatalf("roll: %v", err)
		}
		return result.([]uint64)
	}

	envA, _, _ := newTestEnv(t)
	envB, _, _ := newTestEnv(t)

	first := draw(envA, "sim.dice")
	second := draw(envB, "sim.dice")
	if !equalDraws(first, second) {
		t.Errorf("same run seed and plugin id drew different sequences: %v vs %v", first, second)
	}

	other := draw(envA, "sim.cards")
	if equalDraws(first, other) {
		t.Errorf("different plugin ids drew identical sequences")
	}

	envC, _, _ := newTestEnv(t)
	envC.RunSeed = []byte("another-run")
	differentRun := draw(envC, "sim.dice")
	if equalDraws(first, differentRun) {
		t.Errorf("different run seeds drew identical sequences")
	}
}

func equalDraws(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
