// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"fmt"
	"log/slog"
)

// Client issues calls through a transport and delivers their results on
// its own completion queue. Callbacks run on the goroutines executing
// [Client.Run].
type Client struct {
	transport ClientTransport
	codec     Codec
	workers   int

	cq    *CompletionQueue
	arena *arena
	loop  *eventLoop
}

// NewClient creates a client for t using the Arrow codec.
func NewClient(t ClientTransport) *Client {
	cq := NewCompletionQueue()
	a := newArena(0)
	return &Client{
		transport: t,
		codec:     ArrowCodec{},
		workers:   1,
		cq:        cq,
		arena:     a,
		loop:      newEventLoop(cq, a, slog.Default()),
	}
}

// SetCodec sets the payload codec. It must match the server's.
func (c *Client) SetCodec(codec Codec) {
	c.codec = codec
}

// SetLogger sets the client logger. Call before issuing calls.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.loop.logger = logger
}

// SetCallHook registers a hook called around each outbound call. Call
// before issuing calls.
func (c *Client) SetCallHook(hook CallHook) {
	c.loop.hooks = &hookRunner{hook: hook, logger: c.loop.logger}
}

// SetWorkers sets the number of event loop consumers used by Run.
func (c *Client) SetWorkers(n int) {
	c.workers = n
}

// Run delivers completion events until [Client.Close] has drained every
// call, then returns nil. It returns ctx.Err() if ctx ends first.
func (c *Client) Run(ctx context.Context) error {
	return c.loop.runWorkers(ctx, c.workers)
}

// Close refuses new calls, waits for outstanding calls to complete and
// shuts down the completion queue. Run must be active for outstanding
// calls to complete.
func (c *Client) Close() {
	<-c.arena.seal()
	c.cq.Shutdown()
}

// Pending returns the number of calls that have not completed.
func (c *Client) Pending() int {
	return c.arena.len()
}

// clientVariant is a client call state variant bound to a transport call.
type clientVariant interface {
	variant
	bindCall(call ClientCall)
	firstOp() opKind
}

// Invoke starts a unary call. It returns as soon as the request is sent;
// done is called from the event loop with the decoded reply and the final
// status. A transport failure to send is returned directly and done is
// never called.
func Invoke[P any, R any](c *Client, ctx context.Context, method string, req P, done func(R, *Status)) (Tag, error) {
	codec := c.codec
	v := &clientUnary{
		clientCall: clientCall{decode: func(b []byte) (any, error) {
			return decodeAs[R](codec, b)
		}},
		done: func(reply any, st *Status) {
			if done == nil {
				return
			}
			r, _ := reply.(R)
			done(r, st)
		},
	}
	return c.start(ctx, method, codec, req, v)
}

// InvokeStream starts a server-streaming call. onMsg is called once per
// message in stream order, then done with the final status.
func InvokeStream[P any, R any](c *Client, ctx context.Context, method string, req P, onMsg func(R), done func(*Status)) (Tag, error) {
	return invokeStream(c, ctx, method, c.codec, req, onMsg, done)
}

func invokeStream[P any, R any](c *Client, ctx context.Context, method string, codec Codec, req P, onMsg func(R), done func(*Status)) (Tag, error) {
	v := &clientStreamRead{
		clientCall: clientCall{decode: func(b []byte) (any, error) {
			return decodeAs[R](codec, b)
		}},
		onMsg: func(msg any) {
			if onMsg != nil {
				onMsg(msg.(R))
			}
		},
		done: done,
	}
	return c.start(ctx, method, codec, req, v)
}

// start creates the call state in Process, sends the request and submits
// the first operation. Inserting the state fails with ErrQueueShutdown once
// Close has begun.
func (c *Client) start(ctx context.Context, method string, codec Codec, req any, v clientVariant) (Tag, error) {
	payload, err := codec.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("cqrpc: encoding %s request: %w", method, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	st := newCallState(method, v, PhaseProcess)
	st.ctx = callCtx
	st.cancel = cancel
	if err := c.arena.insert(st); err != nil {
		cancel()
		return 0, err
	}
	c.loop.hooks.start(st)
	fail := func(err error) (Tag, error) {
		st.setStatus(StatusFromError(err))
		c.arena.remove(st.tag)
		c.loop.hooks.end(st)
		cancel()
		return 0, err
	}

	call, err := c.transport.PrepareCall(st.ctx, method, payload, c.cq)
	if err != nil {
		return fail(fmt.Errorf("cqrpc: preparing %s: %w", method, err))
	}
	v.bindCall(call)
	st.stats.RecordOutput(len(payload))
	if err := call.Start(); err != nil {
		return fail(fmt.Errorf("cqrpc: starting %s: %w", method, err))
	}
	c.loop.logger.Debug("call started", callAttrs(st)...)
	v.submit(st.tag, step{op: v.firstOp()})
	return st.tag, nil
}
