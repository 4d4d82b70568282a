// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// replicationPolicy is told when an acceptor leaves the Create phase and
// when any call is released.
type replicationPolicy interface {
	departed(c *callState, spawn bool)
	released(c *callState)
}

// eventLoop pulls completion events off the queue and runs the transition
// of the call state each event belongs to. It holds no per-call state.
type eventLoop struct {
	cq     *CompletionQueue
	arena  *arena
	logger *slog.Logger
	hooks  *hookRunner
	policy replicationPolicy
}

func newEventLoop(cq *CompletionQueue, a *arena, logger *slog.Logger) *eventLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventLoop{cq: cq, arena: a, logger: logger}
}

// run dispatches events until the queue shuts down, which returns nil. Any
// other queue error ends the loop and is returned.
func (l *eventLoop) run(ctx context.Context) error {
	for {
		ev, err := l.cq.Next(ctx)
		if errors.Is(err, ErrQueueShutdown) {
			return nil
		}
		if err != nil {
			return err
		}
		l.dispatch(ev)
	}
}

// runWorkers runs n consumers of the same queue. The first fatal error
// stops the others.
func (l *eventLoop) runWorkers(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			return l.run(gctx)
		})
	}
	return g.Wait()
}

// dispatch applies one event: transition, spawn, notify, then submit the
// single operation or release the state.
func (l *eventLoop) dispatch(ev Event) {
	c, ok := l.arena.lookup(ev.Tag)
	if !ok {
		l.logger.Warn("dropping event for released call", slog.Any("tag", ev.Tag), slog.Bool("ok", ev.OK))
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("cqrpc: call %v received an event while transitioning", c.tag))
	}

	from := c.currentPhase()
	s := c.v.transition(c, ev.OK)
	if l.logger.Enabled(context.Background(), slog.LevelDebug) {
		l.logger.Debug("call transition", append(callAttrs(c),
			slog.String("from", from.String()),
			slog.Bool("ok", ev.OK),
			slog.String("op", s.op.String()),
			slog.Bool("release", s.release))...)
	}

	if from == PhaseCreate && (s.release || c.currentPhase() != PhaseCreate) && l.policy != nil {
		l.policy.departed(c, s.spawn)
	}
	if o, isObserver := c.v.(observer); isObserver {
		if s.hasMessage {
			o.onMessage(s.message)
		}
		if s.done {
			st := c.status
			o.onDone(s.reply, &st)
		}
	}
	c.busy.Store(false)

	switch {
	case s.release:
		l.release(c)
	case s.op == opResume:
		if err := l.cq.Post(c.tag, true); err != nil {
			l.logger.Error("cannot resume call", append(callAttrs(c), slog.Any("err", err))...)
			l.release(c)
		}
	case s.op != opNone:
		c.v.submit(c.tag, s)
	}
}

// release removes a state from the arena. A state is released exactly once.
func (l *eventLoop) release(c *callState) {
	if !l.arena.remove(c.tag) {
		panic(fmt.Sprintf("cqrpc: call %v released twice", c.tag))
	}
	l.hooks.end(c)
	if c.cancel != nil {
		c.cancel()
	}
	if l.policy != nil {
		l.policy.released(c)
	}
}
