// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// acceptorPool keeps at least one Create-phase call state registered with
// the transport for every method. When an acceptor leaves Create its
// successor is registered before the busy call runs any handler code.
type acceptorPool struct {
	srv       *Server
	transport ServerTransport
	cq        *CompletionQueue
	arena     *arena
	logger    *slog.Logger

	counts   map[string]*atomic.Int64 // Create-phase states per method; fixed key set
	stopped  atomic.Bool
	failures atomic.Int64

	mu           sync.Mutex
	deficit      map[string]int
	deficitTotal atomic.Int64
}

func newAcceptorPool(srv *Server, t ServerTransport, cq *CompletionQueue, a *arena) *acceptorPool {
	p := &acceptorPool{
		srv:       srv,
		transport: t,
		cq:        cq,
		arena:     a,
		logger:    srv.logger,
		counts:    make(map[string]*atomic.Int64, len(srv.methods)),
		deficit:   make(map[string]int),
	}
	for name := range srv.methods {
		p.counts[name] = new(atomic.Int64)
	}
	return p
}

// start registers the first acceptor of every method.
func (p *acceptorPool) start() error {
	if ms, ok := p.transport.(MethodSetter); ok {
		ms.SetMethods(p.srv.Methods())
	}
	for _, m := range p.srv.methods {
		if err := p.spawn(m); err != nil {
			return fmt.Errorf("cqrpc: registering acceptor for %q: %w", m.Name, err)
		}
	}
	return nil
}

// stop prevents further spawns; used once the transport shuts down.
func (p *acceptorPool) stop() {
	p.stopped.Store(true)
}

func (p *acceptorPool) spawn(m *methodInfo) error {
	if p.stopped.Load() {
		return nil
	}
	c, bind := newServerCallState(p.srv, m)
	if err := p.arena.insert(c); err != nil {
		return err
	}
	// Counted before the transport can match it, so the count never lags
	// behind a departure.
	count := p.counts[m.Name]
	count.Add(1)
	if err := p.transport.RequestCall(m.Name, c.tag, p.cq, bind); err != nil {
		count.Add(-1)
		p.arena.remove(c.tag)
		return err
	}
	return nil
}

// departed implements replicationPolicy. The successor is counted before
// the departing acceptor is uncounted.
func (p *acceptorPool) departed(c *callState, spawn bool) {
	if spawn {
		m := p.srv.methods[c.method]
		if err := p.spawn(m); err != nil {
			if p.shuttingDown(err) {
				p.logger.Debug("acceptor not replaced, transport shutting down", slog.String("method", m.Name))
			} else {
				p.spawnFailed(m.Name, err)
			}
		}
	}
	p.counts[c.method].Add(-1)
}

// shuttingDown reports whether err comes from the transport or pool being
// stopped rather than from a lack of resources.
func (p *acceptorPool) shuttingDown(err error) bool {
	return p.stopped.Load() || errors.Is(err, ErrTransportClosed)
}

func (p *acceptorPool) spawnFailed(method string, err error) {
	p.failures.Add(1)
	p.logger.Error("acceptor spawn failed",
		slog.String("method", method),
		slog.Int64("acceptors", p.counts[method].Load()),
		slog.Any("err", err))
	p.srv.hooks.spawnFailure(method, err)

	p.mu.Lock()
	p.deficit[method]++
	p.mu.Unlock()
	p.deficitTotal.Add(1)
}

// released implements replicationPolicy: every release frees a slot, so
// missing acceptors are retried here.
func (p *acceptorPool) released(*callState) {
	if p.deficitTotal.Load() == 0 || p.stopped.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, n := range p.deficit {
		for ; n > 0; n-- {
			if err := p.spawn(p.srv.methods[name]); err != nil {
				p.logger.Debug("acceptor respawn deferred", slog.String("method", name), slog.Any("err", err))
				p.deficit[name] = n
				return
			}
			p.deficitTotal.Add(-1)
			p.logger.Info("acceptor respawned", slog.String("method", name))
		}
		delete(p.deficit, name)
	}
}

// acceptors returns the number of Create-phase states for method.
func (p *acceptorPool) acceptors(method string) int {
	if count, ok := p.counts[method]; ok {
		return int(count.Load())
	}
	return 0
}

func (p *acceptorPool) total() int {
	n := 0
	for _, count := range p.counts {
		n += int(count.Load())
	}
	return n
}
