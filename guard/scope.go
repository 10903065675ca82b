// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard enforces per-call filesystem and network policy.
// The Sandbox owns the mutable guard state the runtime used to keep
// in process globals; every capability call runs inside a Scope whose
// push operations return release functions for defer-based unwinding,
// so guard state always returns to its pre-call value, panics
// included.
package guard

import (
	"context"
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
)

// Sandbox owns cross-scope state: the temp-directory override lease.
// One Sandbox exists per kernel.
type Sandbox struct {
	// tempMu serializes TMPDIR overrides across call chains. The
	// override mutates process environment, which is global state
	// shared by every goroutine.
	tempMu sync.Mutex
}

// NewSandbox returns a Sandbox with no active overrides.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Scope is the guard state for one synchronous call chain. A Scope
// belongs to a single chain of (possibly nested) capability calls on
// one goroutine; it is not safe for concurrent use.
//
// Filesystem checks consult the top of the policy stack, the
// nearest enclosing activation. An empty stack denies: absence of
// policy never means allow-all.
type Scope struct {
	sandbox *Sandbox

	fs  []FilesystemPolicy
	rng []*rand.Rand

	// netDenials counts active network denials. A denied frame
	// increments on push; an allowed frame decrements. Network use
	// is denied whenever the counter is positive, which makes
	// arbitrarily nested allow/deny frames compose correctly.
	netDenials int

	// tempPrev stacks the TMPDIR values to restore as overrides
	// release. The sandbox temp lease is held while non-empty.
	tempPrev []tempOverride
}

type tempOverride struct {
	value string
	had   bool
}

// NewScope returns an empty Scope for one call chain.
func (sb *Sandbox) NewScope() *Scope {
	return &Scope{sandbox: sb}
}

// PushFilesystem activates a filesystem policy for the current frame.
// The release function restores the previous activation; call it via
// defer. Releasing a frame also unwinds any frames pushed above it
// that were not individually released.
func (s *Scope) PushFilesystem(policy FilesystemPolicy) (release func()) {
	index := len(s.fs)
	s.fs = append(s.fs, policy)
	return func() {
		if index < len(s.fs) {
			s.fs = s.fs[:index]
		}
	}
}

// PushNetwork enters a network frame. allowed=false denies network
// use for the frame's duration; allowed=true re-permits it inside an
// outer denied frame. The release function restores the prior value.
func (s *Scope) PushNetwork(allowed bool) (release func()) {
	delta := 1
	if allowed {
		delta = -1
	}
	s.netDenials += delta
	return func() {
		s.netDenials -= delta
	}
}

// PushRNG activates a deterministic random source for the current
// frame. Callee frames push their own seeded source so concurrent
// and nested calls never interleave draws.
func (s *Scope) PushRNG(r *rand.Rand) (release func()) {
	index := len(s.rng)
	s.rng = append(s.rng, r)
	return func() {
		if index < len(s.rng) {
			s.rng = s.rng[:index]
		}
	}
}

// RNG returns the active deterministic random source, or nil outside
// any RNG frame.
func (s *Scope) RNG() *rand.Rand {
	if len(s.rng) == 0 {
		return nil
	}
	return s.rng[len(s.rng)-1]
}

// CheckNetwork returns a NetworkDenied violation when the scope is
// inside a net-denied frame.
func (s *Scope) CheckNetwork() error {
	if s.netDenials > 0 {
		return &Violation{Kind: NetworkDenied}
	}
	return nil
}

// CheckRead authorizes a read of path under the active policy.
func (s *Scope) CheckRead(path string) error {
	return s.checkPath(path, "read")
}

// CheckWrite authorizes a write of path under the active policy.
// Write authorization is strictly narrower than read: only readwrite
// roots qualify.
func (s *Scope) CheckWrite(path string) error {
	return s.checkPath(path, "write")
}

func (s *Scope) checkPath(path, op string) error {
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	if len(s.fs) == 0 {
		return &Violation{Kind: FilesystemDenied, Op: op, Path: resolved}
	}
	policy := s.fs[len(s.fs)-1]

	allowed := false
	if op == "write" {
		allowed = policy.AllowsWrite(resolved)
	} else {
		allowed = policy.AllowsRead(resolved)
	}
	if !allowed {
		return &Violation{Kind: FilesystemDenied, Op: op, Path: resolved}
	}
	return nil
}

// PushTempDir overrides the process TMPDIR for the duration of the
// frame. The first override in a chain acquires the sandbox-wide
// lease, serializing against other chains; nested overrides in the
// same chain stack without re-acquiring. The release function
// restores the previous TMPDIR and, when the last frame releases,
// drops the lease.
func (s *Scope) PushTempDir(dir string) (release func()) {
	if len(s.tempPrev) == 0 {
		s.sandbox.tempMu.Lock()
	}
	prev, had := os.LookupEnv("TMPDIR")
	s.tempPrev = append(s.tempPrev, tempOverride{value: prev, had: had})
	os.Setenv("TMPDIR", dir)

	return func() {
		if len(s.tempPrev) == 0 {
			return
		}
		last := s.tempPrev[len(s.tempPrev)-1]
		s.tempPrev = s.tempPrev[:len(s.tempPrev)-1]
		if last.had {
			os.Setenv("TMPDIR", last.value)
		} else {
			os.Unsetenv("TMPDIR")
		}
		if len(s.tempPrev) == 0 {
			s.sandbox.tempMu.Unlock()
		}
	}
}

// ResolvePath canonicalizes path for containment checks: absolute,
// cleaned, symlinks eliminated. For paths that do not exist yet (a
// file about to be created), the deepest existing ancestor is
// resolved and the missing suffix is appended, so a symlinked parent
// cannot smuggle a write outside the allowed roots.
func ResolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	current := abs
	var suffix []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, suffix...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}

type scopeKey struct{}

// WithScope attaches a Scope to the context so nested capability
// dispatch re-enters the same chain.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom extracts the chain's Scope, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok
}
