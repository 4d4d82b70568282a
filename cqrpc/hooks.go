// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"log/slog"
	"time"
)

// CallHook provides observability callpoints around a call's lifetime.
// OnCallStart runs when a call becomes active (server: when the call is
// accepted; client: when it is started) and OnCallEnd when its state is
// released. Implementations must be safe for concurrent use.
type CallHook interface {
	OnCallStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnCallEnd(ctx context.Context, token HookToken, info CallInfo, stats *CallStatistics, st Status)
}

// SpawnFailureHook is optionally implemented by a [CallHook] to observe
// acceptor replication failures.
type SpawnFailureHook interface {
	OnSpawnFailure(method string, err error)
}

// HookToken is an opaque value returned by OnCallStart and passed back to
// OnCallEnd. Only meaningful to the CallHook that created it.
type HookToken interface{}

// CallInfo carries call metadata passed to hooks.
type CallInfo struct {
	Tag      Tag
	Method   string
	Kind     Kind
	Side     Side
	ServerID string
	Duration time.Duration // set for OnCallEnd
	// TransportMetadata is the request metadata of a server call (IPC custom
	// metadata over TCP). Nil on the client side.
	TransportMetadata map[string]string
}

// CallStatistics holds per-call message counters.
type CallStatistics struct {
	InputMessages  int64
	OutputMessages int64
	InputBytes     int64
	OutputBytes    int64
}

// RecordInput records one received message of n bytes.
func (s *CallStatistics) RecordInput(n int) {
	s.InputMessages++
	s.InputBytes += int64(n)
}

// RecordOutput records one sent message of n bytes.
func (s *CallStatistics) RecordOutput(n int) {
	s.OutputMessages++
	s.OutputBytes += int64(n)
}

// hookRunner invokes a CallHook with panic protection.
type hookRunner struct {
	hook     CallHook
	serverID string
	logger   *slog.Logger
}

func (h *hookRunner) info(c *callState) CallInfo {
	return CallInfo{
		Tag:               c.tag,
		Method:            c.method,
		Kind:              c.kind(),
		Side:              c.side(),
		ServerID:          h.serverID,
		TransportMetadata: c.meta,
	}
}

func (h *hookRunner) start(c *callState) {
	if h == nil || h.hook == nil {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			h.logger.Error("call hook start panic", "err", rv, "method", c.method)
		}
	}()
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	hookCtx, token := h.hook.OnCallStart(ctx, h.info(c))
	if hookCtx != nil {
		c.ctx = hookCtx
	}
	c.hookToken = token
	c.hookActive = true
}

func (h *hookRunner) end(c *callState) {
	if h == nil || h.hook == nil || !c.hookActive {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			h.logger.Error("call hook end panic", "err", rv, "method", c.method)
		}
	}()
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	info := h.info(c)
	info.Duration = time.Since(c.startTime())
	stats := c.stats
	h.hook.OnCallEnd(ctx, c.hookToken, info, &stats, c.status)
}

func (h *hookRunner) spawnFailure(method string, err error) {
	if h == nil || h.hook == nil {
		return
	}
	sf, ok := h.hook.(SpawnFailureHook)
	if !ok {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			h.logger.Error("spawn failure hook panic", "err", rv, "method", method)
		}
	}()
	sf.OnSpawnFailure(method, err)
}
