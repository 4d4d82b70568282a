// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"fmt"
	"runtime/debug"

	"google.golang.org/grpc/codes"
)

// serverCall is the part of a server call state shared by both kinds: the
// method it serves and the stream the transport bound to it.
type serverCall struct {
	srv    *Server
	m      *methodInfo
	stream ServerCall
}

func (sc *serverCall) side() Side { return SideServer }

// bind is handed to the transport with RequestCall.
func (sc *serverCall) bind(s ServerCall) { sc.stream = s }

// begin moves an accepted call into Process and attaches its context.
func (sc *serverCall) begin(c *callState) {
	c.setPhase(PhaseProcess)
	c.markStarted()
	c.ctx = sc.stream.Context()
	c.meta = sc.stream.Metadata()
	c.stats.RecordInput(len(sc.stream.Request()))
	sc.srv.hooks.start(c)
}

func (sc *serverCall) callContext(c *callState) *CallContext {
	return &CallContext{
		Ctx:      c.ctx,
		Tag:      c.tag,
		ServerID: sc.srv.serverID,
		Method:   c.method,
		Kind:     c.kind(),
		logger:   sc.srv.logger,
	}
}

// finish records st and submits the terminal operation.
func (sc *serverCall) finish(c *callState, reply []byte, st Status) step {
	c.setStatus(st)
	c.setPhase(PhaseFinish)
	return step{op: opFinish, payload: reply, status: c.status}
}

func (sc *serverCall) submit(tag Tag, s step) {
	switch s.op {
	case opWrite:
		sc.stream.SendMsg(tag, s.payload)
	case opFinish:
		sc.stream.Finish(tag, s.payload, s.status)
	default:
		panic(fmt.Sprintf("cqrpc: server call %v cannot submit %v", tag, s.op))
	}
}

// serverUnary answers one request with one reply.
//
//	Create --ok--> Process (successor spawned, resume posted)
//	Process --ok--> Finish (handler run, reply submitted)
//	Finish --any--> released
type serverUnary struct {
	serverCall
}

func (v *serverUnary) kind() Kind { return KindUnary }

func (v *serverUnary) transition(c *callState, ok bool) step {
	switch c.currentPhase() {
	case PhaseCreate:
		if !ok {
			// The transport is shutting down; no call was bound.
			return step{release: true}
		}
		v.begin(c)
		return step{spawn: true, op: opResume}

	case PhaseProcess:
		if !ok || c.cancelled() {
			return v.finish(c, nil, statusFromContext(c.ctx))
		}
		reply, err := runHandler(func() ([]byte, error) {
			return v.m.unary(c.ctx, v.callContext(c), v.srv.codecFor(v.m), v.stream.Request())
		})
		if err != nil {
			return v.finish(c, nil, StatusFromError(err))
		}
		c.stats.RecordOutput(len(reply))
		return v.finish(c, reply, StatusOK)

	default:
		return step{release: true}
	}
}

// serverStream answers one request with an ordered sequence of messages,
// one write outstanding at a time.
//
//	Create --ok--> Process (successor spawned, resume posted)
//	Process --ok--> Process (next message written) | Finish (end or cancelled)
//	Process --!ok--> released (client gone)
//	Finish --any--> released
type serverStream struct {
	serverCall
	messages     [][]byte
	cursor       int
	materialized bool
}

func (v *serverStream) kind() Kind { return KindServerStream }

func (v *serverStream) transition(c *callState, ok bool) step {
	switch c.currentPhase() {
	case PhaseCreate:
		if !ok {
			return step{release: true}
		}
		v.begin(c)
		return step{spawn: true, op: opResume}

	case PhaseProcess:
		if !ok {
			// A write failed: the client is gone. Nothing more can be sent.
			c.setStatus(NewStatus(codes.Unavailable, "stream write failed after %d messages", v.cursor))
			c.setPhase(PhaseFinish)
			return step{release: true}
		}
		if c.cancelled() {
			return v.finish(c, nil, statusFromContext(c.ctx))
		}
		if !v.materialized {
			v.materialized = true
			msgs, err := runHandler(func() ([][]byte, error) {
				return v.m.stream(c.ctx, v.callContext(c), v.srv.codecFor(v.m), v.stream.Request())
			})
			if err != nil {
				return v.finish(c, nil, StatusFromError(err))
			}
			v.messages = msgs
		}
		return v.next(c)

	default:
		return step{release: true}
	}
}

// next writes the message at the cursor, or finishes once every message
// has been written.
func (v *serverStream) next(c *callState) step {
	if v.cursor >= len(v.messages) {
		return v.finish(c, nil, StatusOK)
	}
	msg := v.messages[v.cursor]
	v.cursor++
	c.stats.RecordOutput(len(msg))
	return step{op: opWrite, payload: msg}
}

// runHandler calls fn and converts a panic into an Internal error.
func runHandler[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = NewStatus(codes.Internal, "handler panic: %v\n%s", rv, debug.Stack()).Err()
		}
	}()
	return fn()
}

// observer receives the application notifications of a client call.
type observer interface {
	onMessage(msg any)
	onDone(reply any, st *Status)
}

// clientCall is the part of a client call state shared by both kinds.
type clientCall struct {
	call   ClientCall
	buf    []byte
	st     Status
	decode func([]byte) (any, error)
}

func (cc *clientCall) side() Side { return SideClient }

func (cc *clientCall) bindCall(call ClientCall) { cc.call = call }

func (cc *clientCall) submit(tag Tag, s step) {
	switch s.op {
	case opRecv:
		cc.buf = nil
		cc.call.Recv(tag, &cc.buf)
	case opClientFinish:
		cc.call.Finish(tag, nil, &cc.st)
	default:
		panic(fmt.Sprintf("cqrpc: client call %v cannot submit %v", tag, s.op))
	}
}

// finalStatus is the status reported by the transport, with a failed
// finish turned into Unavailable.
func (cc *clientCall) finalStatus(ok bool) Status {
	if !ok && cc.st.OK() {
		return NewStatus(codes.Unavailable, "call failed without a status")
	}
	return cc.st
}

// clientUnary is an outbound unary call. It starts in Process with a single
// Finish outstanding.
//
//	Process --any--> Finish (reply decoded, done notified, released)
type clientUnary struct {
	clientCall
	done func(reply any, st *Status)
}

func (v *clientUnary) kind() Kind { return KindUnary }

func (v *clientUnary) firstOp() opKind { return opClientFinish }

func (v *clientUnary) submit(tag Tag, s step) {
	if s.op == opClientFinish {
		v.call.Finish(tag, &v.buf, &v.st)
		return
	}
	v.clientCall.submit(tag, s)
}

func (v *clientUnary) transition(c *callState, ok bool) step {
	c.setPhase(PhaseFinish)
	st := v.finalStatus(ok)
	var reply any
	if st.OK() {
		c.stats.RecordInput(len(v.buf))
		r, err := v.decode(v.buf)
		if err != nil {
			st = NewStatus(codes.Internal, "decoding reply: %v", err)
		} else {
			reply = r
		}
	}
	c.setStatus(st)
	return step{done: true, reply: reply, release: true}
}

func (v *clientUnary) onMessage(any) {}

func (v *clientUnary) onDone(reply any, st *Status) {
	if v.done != nil {
		v.done(reply, st)
	}
}

// clientStreamRead consumes a server stream with one read outstanding.
//
//	Process --ok--> Process (message notified, next read submitted)
//	Process --!ok--> Finish (status requested)
//	Finish --any--> released (done notified)
type clientStreamRead struct {
	clientCall
	received int
	onMsg    func(msg any)
	done     func(st *Status)
}

func (v *clientStreamRead) kind() Kind { return KindClientStreamRead }

func (v *clientStreamRead) firstOp() opKind { return opRecv }

func (v *clientStreamRead) transition(c *callState, ok bool) step {
	switch c.currentPhase() {
	case PhaseProcess:
		if !ok {
			c.setPhase(PhaseFinish)
			return step{op: opClientFinish}
		}
		c.stats.RecordInput(len(v.buf))
		msg, err := v.decode(v.buf)
		if err != nil {
			c.setStatus(NewStatus(codes.Internal, "decoding message %d: %v", v.received, err))
			if c.cancel != nil {
				c.cancel()
			}
			c.setPhase(PhaseFinish)
			return step{op: opClientFinish}
		}
		v.received++
		return step{hasMessage: true, message: msg, op: opRecv}

	default:
		c.setStatus(v.finalStatus(ok))
		return step{done: true, release: true}
	}
}

func (v *clientStreamRead) onMessage(msg any) {
	if v.onMsg != nil {
		v.onMsg(msg)
	}
}

func (v *clientStreamRead) onDone(_ any, st *Status) {
	if v.done != nil {
		v.done(st)
	}
}
