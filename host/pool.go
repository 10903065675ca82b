// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/lib/clock"
)

// PoolConfig configures a host pool.
type PoolConfig struct {
	// Spawn creates a host for a plugin id. Required. The pool
	// calls it lazily, on the first call to a plugin and again
	// after a host dies.
	Spawn func(pluginID string) (*Host, error)

	// MaxHosts caps concurrently open hosts. When a spawn would
	// exceed it, the least-recently-used idle host is evicted.
	// Default 8.
	MaxHosts int

	// IdleTTL is how long a host may sit idle before the reaper
	// evicts it. Default 5m.
	IdleTTL time.Duration

	// SpawnSlots bounds how many spawns may run at once. Default 4.
	SpawnSlots int

	// SpawnWait is how long a caller waits for a spawn slot. Zero
	// means fail immediately when all slots are taken.
	SpawnWait time.Duration

	// ReapInterval is how often the reaper scans for idle hosts.
	// Default 30s.
	ReapInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Pool owns the live hosts. Hosts are keyed by plugin id, spawned on
// first use, and torn down when they die, idle out, or the pool needs
// room under its cap.
type Pool struct {
	spawn        func(pluginID string) (*Host, error)
	maxHosts     int
	idleTTL      time.Duration
	spawnWait    time.Duration
	reapInterval time.Duration
	gate         chan struct{}
	clock        clock.Clock
	logger       *slog.Logger

	mu     sync.Mutex
	hosts  map[string]*Host
	closed bool
}

// NewPool validates cfg, fills defaults, and returns an empty pool.
// Run starts the background reaper; without it hosts are still
// evicted for cap room but never for idleness.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Spawn == nil {
		return nil, fmt.Errorf("pool: Spawn is required")
	}
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = 8
	}
	if cfg.MaxHosts < 0 {
		return nil, fmt.Errorf("pool: MaxHosts %d is negative", cfg.MaxHosts)
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.SpawnSlots == 0 {
		cfg.SpawnSlots = 4
	}
	if cfg.SpawnSlots < 0 {
		return nil, fmt.Errorf("pool: SpawnSlots %d is negative", cfg.SpawnSlots)
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		spawn:        cfg.Spawn,
		maxHosts:     cfg.MaxHosts,
		idleTTL:      cfg.IdleTTL,
		spawnWait:    cfg.SpawnWait,
		reapInterval: cfg.ReapInterval,
		gate:         make(chan struct{}, cfg.SpawnSlots),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		hosts:        make(map[string]*Host),
	}
	return p, nil
}

// Get returns the live host for pluginID, spawning one if none
// exists or the previous child died. Spawning takes a slot from the
// bounded gate; with SpawnWait zero an exhausted gate fails fast with
// a timeout violation instead of queueing.
func (p *Pool) Get(ctx context.Context, pluginID string) (*Host, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: closed")
	}
	if h, ok := p.hosts[pluginID]; ok {
		if h.Alive() && !h.Closed() {
			p.mu.Unlock()
			return h, nil
		}
		delete(p.hosts, pluginID)
		p.mu.Unlock()
		h.Close()
		p.logger.Info("dropping dead host", "plugin_id", pluginID)
	} else {
		p.mu.Unlock()
	}

	if err := p.acquireSlot(ctx, pluginID); err != nil {
		return nil, err
	}
	defer func() { <-p.gate }()

	h, err := p.spawn(pluginID)
	if err != nil {
		return nil, fmt.Errorf("pool: spawning %s: %w", pluginID, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Close()
		return nil, fmt.Errorf("pool: closed")
	}
	if existing, ok := p.hosts[pluginID]; ok && existing.Alive() && !existing.Closed() {
		// Lost a spawn race; keep the winner.
		p.mu.Unlock()
		h.Close()
		return existing, nil
	}
	p.hosts[pluginID] = h
	victims := p.evictOverCapLocked()
	p.mu.Unlock()

	for _, v := range victims {
		p.logger.Info("evicting host for cap room", "plugin_id", v.PluginID())
		v.Close()
	}
	return h, nil
}

func (p *Pool) acquireSlot(ctx context.Context, pluginID string) error {
	select {
	case p.gate <- struct{}{}:
		return nil
	default:
	}
	if p.spawnWait <= 0 {
		return fmt.Errorf("spawn slots exhausted: %w",
			&guard.Violation{Kind: guard.Timeout, PluginID: pluginID})
	}
	select {
	case p.gate <- struct{}{}:
		return nil
	case <-p.clock.After(p.spawnWait):
		return fmt.Errorf("no spawn slot within %s: %w", p.spawnWait,
			&guard.Violation{Kind: guard.Timeout, PluginID: pluginID})
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictOverCapLocked picks least-recently-used idle hosts until the
// pool fits under maxHosts. Callers close the victims after
// releasing the lock.
func (p *Pool) evictOverCapLocked() []*Host {
	over := len(p.hosts) - p.maxHosts
	if over <= 0 {
		return nil
	}
	type candidate struct {
		id string
		h  *Host
	}
	var candidates []candidate
	for id, h := range p.hosts {
		if h.InFlight() > 0 || h.ReapProtected() {
			continue
		}
		candidates = append(candidates, candidate{id, h})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		return a.h.LastUsed().Compare(b.h.LastUsed())
	})
	var victims []*Host
	for _, c := range candidates {
		if over <= 0 {
			break
		}
		delete(p.hosts, c.id)
		victims = append(victims, c.h)
		over--
	}
	if over > 0 {
		p.logger.Warn("host cap exceeded; remaining hosts busy or protected",
			"open_hosts", len(p.hosts),
			"max_hosts", p.maxHosts,
		)
	}
	return victims
}

// reap drops dead hosts and evicts hosts idle past the TTL, then
// re-checks the cap.
func (p *Pool) reap() {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var victims []*Host
	for id, h := range p.hosts {
		switch {
		case h.Closed() || !h.Alive():
			delete(p.hosts, id)
			victims = append(victims, h)
		case h.InFlight() > 0 || h.ReapProtected():
		case now.Sub(h.LastUsed()) > p.idleTTL:
			delete(p.hosts, id)
			victims = append(victims, h)
		}
	}
	victims = append(victims, p.evictOverCapLocked()...)
	p.mu.Unlock()

	for _, v := range victims {
		p.logger.Info("reaping host", "plugin_id", v.PluginID())
		v.Close()
	}
}

// Run drives the idle reaper until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// Invoke routes one call through the plugin's host, spawning it if
// needed. A host whose child died or was killed during the call is
// dropped so the next call starts fresh.
func (p *Pool) Invoke(ctx context.Context, pluginID, capability, function string, args []any, kwargs map[string]any) (any, error) {
	h, err := p.Get(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	result, err := h.Call(ctx, capability, function, args, kwargs)
	if err != nil && h.Closed() {
		p.drop(pluginID, h)
	}
	return result, err
}

// drop removes h from the pool if it is still the registered host
// for pluginID, then closes it.
func (p *Pool) drop(pluginID string, h *Host) {
	p.mu.Lock()
	if p.hosts[pluginID] == h {
		delete(p.hosts, pluginID)
	}
	p.mu.Unlock()
	h.Close()
}

// Invalidate tears down the host for pluginID, if any. The next call
// spawns a fresh child.
func (p *Pool) Invalidate(pluginID string) {
	p.mu.Lock()
	h, ok := p.hosts[pluginID]
	if ok {
		delete(p.hosts, pluginID)
	}
	p.mu.Unlock()
	if ok {
		p.logger.Info("invalidating host", "plugin_id", pluginID)
		h.Close()
	}
}

// Open returns the plugin ids with a live host, sorted.
func (p *Pool) Open() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.hosts))
	for id := range p.hosts {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Close tears down every host. The pool refuses further use.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hosts := make([]*Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		hosts = append(hosts, h)
	}
	p.hosts = nil
	p.mu.Unlock()

	var errs []error
	for _, h := range hosts {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
