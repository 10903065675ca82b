// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package host runs out-of-process plugins: one child process per
// plugin, speaking the newline-delimited JSON protocol over
// stdin/stdout. Calls are strictly request/response with one call in
// flight per host. A child that misses the response deadline is
// killed outright and recreated lazily on the next call; there is no
// cooperative cancellation.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/lib/clock"
	"github.com/tessera-dev/tessera/rpc"
)

// ErrClosed reports a call against a host whose child is gone. The
// pool treats it as a signal to spawn a replacement.
var ErrClosed = errors.New("host closed")

// RemoteError is a failure reported by the plugin itself, as opposed
// to a transport or protocol failure.
type RemoteError struct {
	PluginID string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.PluginID, e.Message)
}

// Host is one live child process. All calls are serialized; the
// in-flight counter and last-used timestamp feed the pool's reaper.
type Host struct {
	pluginID string

	mu     sync.Mutex
	writer *rpc.Writer
	stdin  io.Closer
	nextID uint64
	closed atomic.Bool

	responses chan rpc.Response

	// kill force-terminates the child. waitDone closes once the
	// child has been reaped.
	kill     func() error
	waitDone chan struct{}

	inFlight      atomic.Int32
	lastUsed      atomic.Int64
	reapProtected atomic.Bool

	timeout time.Duration
	maxLine int
	clock   clock.Clock
	logger  *slog.Logger
}

// newHost wires a host over an already-running child's pipes. Spawn
// is the production caller; tests substitute in-memory pipes.
func newHost(pluginID string, stdin io.WriteCloser, stdout io.Reader, kill func() error, waitDone chan struct{}, timeout time.Duration, maxLine int, clk clock.Clock, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Host{
		pluginID:  pluginID,
		writer:    rpc.NewWriter(stdin),
		stdin:     stdin,
		responses: make(chan rpc.Response, 1),
		kill:      kill,
		waitDone:  waitDone,
		timeout:   timeout,
		maxLine:   maxLine,
		clock:     clk,
		logger:    logger,
	}
	h.lastUsed.Store(clk.Now().UnixNano())
	go h.readLoop(stdout)
	return h
}

func (h *Host) readLoop(stdout io.Reader) {
	defer close(h.responses)
	reader := rpc.NewReaderSize(stdout, h.maxLine)
	for {
		var resp rpc.Response
		if err := reader.Next(&resp); err != nil {
			if err != io.EOF {
				h.logger.Debug("rpc read ended",
					"plugin_id", h.pluginID,
					"error", err,
				)
			}
			return
		}
		select {
		case h.responses <- resp:
		default:
			h.logger.Warn("unsolicited rpc response dropped",
				"plugin_id", h.pluginID,
				"response_id", resp.ID,
			)
		}
	}
}

// PluginID returns the plugin this host serves.
func (h *Host) PluginID() string { return h.pluginID }

// Closed reports whether the host has been terminated and will
// refuse further calls.
func (h *Host) Closed() bool {
	return h.closed.Load()
}

// Alive reports whether the child process is still running.
func (h *Host) Alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// InFlight returns the number of calls currently executing (0 or 1).
func (h *Host) InFlight() int {
	return int(h.inFlight.Load())
}

// LastUsed returns when the host last finished a call.
func (h *Host) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// SetReapProtected marks the host exempt from idle eviction.
func (h *Host) SetReapProtected(protected bool) {
	h.reapProtected.Store(protected)
}

// ReapProtected reports whether the host is exempt from eviction.
func (h *Host) ReapProtected() bool {
	return h.reapProtected.Load()
}

// Call invokes one function of one capability on the child and blocks
// for the response. If the deadline elapses first, the child is
// forcibly killed and a timeout violation is returned; the pool
// recreates the host on the next call.
func (h *Host) Call(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
	result, err := h.roundTrip(ctx, rpc.Request{
		Method:     rpc.MethodCall,
		Capability: capability,
		Function:   function,
		Args:       args,
		Kwargs:     kwargs,
	})
	if err != nil {
		return nil, err
	}
	return rpc.UntagBytes(result), nil
}

// Capabilities asks the child for its method table.
func (h *Host) Capabilities(ctx context.Context) (map[string][]string, error) {
	result, err := h.roundTrip(ctx, rpc.Request{Method: rpc.MethodCapabilities})
	if err != nil {
		return nil, err
	}
	raw, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("host %s: capabilities result is %T, want object", h.pluginID, result)
	}
	table := make(map[string][]string, len(raw))
	for name, value := range raw {
		functions, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("host %s: capability %q function list is %T", h.pluginID, name, value)
		}
		for _, fn := range functions {
			s, ok := fn.(string)
			if !ok {
				return nil, fmt.Errorf("host %s: capability %q names a non-string function", h.pluginID, name)
			}
			table[name] = append(table[name], s)
		}
	}
	return table, nil
}

func (h *Host) roundTrip(ctx context.Context, req rpc.Request) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, fmt.Errorf("host %s: %w", h.pluginID, ErrClosed)
	}

	h.inFlight.Add(1)
	defer func() {
		h.inFlight.Add(-1)
		h.lastUsed.Store(h.clock.Now().UnixNano())
	}()

	h.nextID++
	req.ID = h.nextID
	if req.Args == nil {
		req.Args = []any{}
	} else {
		req.Args = rpc.TagBytes(req.Args).([]any)
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]any{}
	} else {
		req.Kwargs = rpc.TagBytes(req.Kwargs).(map[string]any)
	}

	if err := h.writer.Write(&req); err != nil {
		h.terminate()
		return nil, fmt.Errorf("host %s: writing request: %w", h.pluginID, err)
	}

	select {
	case resp, ok := <-h.responses:
		if !ok {
			h.terminate()
			return nil, fmt.Errorf("host %s: child closed the pipe: %w", h.pluginID, ErrClosed)
		}
		if resp.ID != req.ID {
			h.terminate()
			return nil, fmt.Errorf("host %s: response id %d for request %d", h.pluginID, resp.ID, req.ID)
		}
		if !resp.OK {
			return nil, &RemoteError{PluginID: h.pluginID, Message: resp.Error}
		}
		return resp.Result, nil

	case <-h.clock.After(h.timeout):
		h.terminate()
		return nil, fmt.Errorf("no rpc response within %s: %w", h.timeout,
			&guard.Violation{Kind: guard.Timeout, PluginID: h.pluginID})

	case <-ctx.Done():
		h.terminate()
		return nil, ctx.Err()
	}
}

// terminate kills the child and marks the host dead.
func (h *Host) terminate() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.stdin.Close()
	if err := h.kill(); err != nil {
		h.logger.Debug("kill failed",
			"plugin_id", h.pluginID,
			"error", err,
		)
	}
}

// Close shuts the host down: stdin closes so a well-behaved child
// exits on EOF, and the child is killed if still running shortly
// after. Safe to call more than once.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.stdin.Close()
	select {
	case <-h.waitDone:
		return nil
	case <-h.clock.After(2 * time.Second):
	}
	if err := h.kill(); err != nil {
		return fmt.Errorf("host %s: kill: %w", h.pluginID, err)
	}
	<-h.waitDone
	return nil
}
