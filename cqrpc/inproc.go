// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"google.golang.org/grpc/codes"
)

// InProcTransport connects a [Server] and [Client] living in the same
// process. It implements both [ServerTransport] and [ClientTransport].
//
// Server writes are buffered one message deep: a write completes once the
// message is buffered or handed to a waiting read, and a second write waits
// until the client has read the first.
type InProcTransport struct {
	mu        sync.Mutex
	acceptors map[string][]inprocAcceptor
	waiting   map[string][]*inprocCall // arrived before an acceptor registered
	methods   map[string]bool          // nil until SetMethods
	live      map[*inprocCall]struct{}
	closed    bool
}

type inprocAcceptor struct {
	tag  Tag
	cq   *CompletionQueue
	bind func(ServerCall)
}

// NewInProcTransport creates an in-process transport.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		acceptors: make(map[string][]inprocAcceptor),
		waiting:   make(map[string][]*inprocCall),
		live:      make(map[*inprocCall]struct{}),
	}
}

// SetMethods implements [MethodSetter]. Calls held for methods outside the
// set finish with codes.Unimplemented.
func (t *InProcTransport) SetMethods(methods []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods = make(map[string]bool, len(methods))
	for _, m := range methods {
		t.methods[m] = true
	}
	for method, calls := range t.waiting {
		if t.methods[method] {
			continue
		}
		delete(t.waiting, method)
		for _, call := range calls {
			call.abort(unimplemented(method))
		}
	}
}

// unimplemented is the status of a call whose method is not registered.
func unimplemented(method string) Status {
	return StatusFromError(fmt.Errorf("%w %q", ErrUnknownMethod, method))
}

// RequestCall implements [ServerTransport].
func (t *InProcTransport) RequestCall(method string, tag Tag, cq *CompletionQueue, bind func(ServerCall)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	acc := inprocAcceptor{tag: tag, cq: cq, bind: bind}
	if calls := t.waiting[method]; len(calls) > 0 {
		call := calls[0]
		t.waiting[method] = calls[1:]
		t.match(call, acc)
		return nil
	}
	t.acceptors[method] = append(t.acceptors[method], acc)
	return nil
}

// match binds call to acc and completes the acceptor. Called with t.mu held.
func (t *InProcTransport) match(call *inprocCall, acc inprocAcceptor) {
	call.mu.Lock()
	call.serverCQ = acc.cq
	call.mu.Unlock()
	acc.bind(inprocServerStream{call})
	postOrDrop(acc.cq, acc.tag, true)
}

// dispatch routes a started call to an acceptor, or holds it.
func (t *InProcTransport) dispatch(call *inprocCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.methods != nil && !t.methods[call.method] {
		call.abort(unimplemented(call.method))
		return nil
	}
	t.live[call] = struct{}{}
	if accs := t.acceptors[call.method]; len(accs) > 0 {
		acc := accs[0]
		t.acceptors[call.method] = accs[1:]
		t.match(call, acc)
		return nil
	}
	t.waiting[call.method] = append(t.waiting[call.method], call)
	return nil
}

func (t *InProcTransport) forget(call *inprocCall) {
	t.mu.Lock()
	delete(t.live, call)
	t.mu.Unlock()
}

// Shutdown implements [ServerTransport].
func (t *InProcTransport) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	acceptors := t.acceptors
	t.acceptors = make(map[string][]inprocAcceptor)
	var held []*inprocCall
	for _, calls := range t.waiting {
		held = append(held, calls...)
	}
	t.waiting = make(map[string][]*inprocCall)
	t.mu.Unlock()

	for _, accs := range acceptors {
		for _, acc := range accs {
			postOrDrop(acc.cq, acc.tag, false)
		}
	}
	for _, call := range held {
		call.abort(NewStatus(codes.Unavailable, "server shutting down"))
		t.forget(call)
	}
}

// Abort implements [Aborter]: every call still running ends with
// codes.Unavailable.
func (t *InProcTransport) Abort() {
	t.mu.Lock()
	calls := make([]*inprocCall, 0, len(t.live))
	for call := range t.live {
		calls = append(calls, call)
	}
	t.mu.Unlock()
	for _, call := range calls {
		call.abort(NewStatus(codes.Unavailable, "server stopped before the call finished"))
	}
}

// PrepareCall implements [ClientTransport].
func (t *InProcTransport) PrepareCall(ctx context.Context, method string, request []byte, cq *CompletionQueue) (ClientCall, error) {
	call := &inprocCall{
		t:        t,
		method:   method,
		request:  request,
		meta:     maps.Clone(OutgoingMetadata(ctx)),
		clientCQ: cq,
	}
	if dl, ok := ctx.Deadline(); ok {
		call.sctx, call.scancel = context.WithDeadline(context.Background(), dl)
	} else {
		call.sctx, call.scancel = context.WithCancel(context.Background())
	}
	call.cctx = ctx
	return inprocClientCall{call}, nil
}

type pendingWrite struct {
	tag     Tag
	payload []byte
}

// inprocCall is the shared state of one in-process call.
type inprocCall struct {
	t       *InProcTransport
	method  string
	request []byte
	meta    map[string]string
	cctx    context.Context
	sctx    context.Context
	scancel context.CancelFunc
	stop    func() bool

	mu       sync.Mutex
	clientCQ *CompletionQueue
	serverCQ *CompletionQueue

	buffer    []byte
	hasBuffer bool
	write     *pendingWrite

	recvTag Tag
	recvDst *[]byte
	recving bool

	finTag   Tag
	finReply *[]byte
	finSt    *Status
	finWait  bool

	finished bool // no more messages will arrive
	reply    []byte
	status   Status
}

func (c *inprocCall) start() error {
	if c.cctx.Err() != nil {
		// Never reaches the server.
		c.abort(statusFromContext(c.cctx))
		return nil
	}
	stop := context.AfterFunc(c.cctx, func() {
		c.abort(statusFromContext(c.cctx))
		c.t.forget(c)
	})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
	if err := c.t.dispatch(c); err != nil {
		stop()
		c.scancel()
		return err
	}
	return nil
}

// abort ends the call with st: the server context is cancelled, a blocked
// server write fails and client operations complete.
func (c *inprocCall) abort(st Status) {
	c.scancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.status = st
	c.hasBuffer = false
	c.buffer = nil
	if c.write != nil {
		postOrDrop(c.serverCQ, c.write.tag, false)
		c.write = nil
	}
	c.completeClientLocked()
}

// completeClientLocked completes waiting client operations once the call
// has finished and no buffered message remains.
func (c *inprocCall) completeClientLocked() {
	if !c.finished || c.hasBuffer {
		return
	}
	if c.recving {
		c.recving = false
		postOrDrop(c.clientCQ, c.recvTag, false)
	}
	if c.finWait {
		c.finWait = false
		if c.finReply != nil {
			*c.finReply = c.reply
		}
		*c.finSt = c.status
		postOrDrop(c.clientCQ, c.finTag, true)
		if c.stop != nil {
			c.stop()
		}
		c.scancel()
	}
}

// inprocServerStream is the server view of an inprocCall.
type inprocServerStream struct{ c *inprocCall }

func (s inprocServerStream) Context() context.Context { return s.c.sctx }

func (s inprocServerStream) Method() string { return s.c.method }

func (s inprocServerStream) Request() []byte { return s.c.request }

func (s inprocServerStream) Metadata() map[string]string { return s.c.meta }

func (s inprocServerStream) SendMsg(tag Tag, payload []byte) {
	c := s.c
	c.mu.Lock()
	if c.finished {
		postOrDrop(c.serverCQ, tag, false)
		c.mu.Unlock()
		// The server releases the call without a Finish.
		c.t.forget(c)
		return
	}
	defer c.mu.Unlock()
	switch {
	case c.write != nil:
		panic(fmt.Sprintf("cqrpc: call %v has a write outstanding", tag))
	case c.recving:
		c.recving = false
		*c.recvDst = payload
		postOrDrop(c.clientCQ, c.recvTag, true)
		postOrDrop(c.serverCQ, tag, true)
	case !c.hasBuffer:
		c.buffer = payload
		c.hasBuffer = true
		postOrDrop(c.serverCQ, tag, true)
	default:
		c.write = &pendingWrite{tag: tag, payload: payload}
	}
}

func (s inprocServerStream) Finish(tag Tag, reply []byte, st Status) {
	c := s.c
	c.mu.Lock()
	if !c.finished {
		c.finished = true
		c.reply = reply
		c.status = st
		c.completeClientLocked()
	}
	postOrDrop(c.serverCQ, tag, true)
	c.mu.Unlock()
	c.t.forget(c)
}

// inprocClientCall is the client view of an inprocCall.
type inprocClientCall struct{ c *inprocCall }

func (cc inprocClientCall) Start() error { return cc.c.start() }

func (cc inprocClientCall) Recv(tag Tag, dst *[]byte) {
	c := cc.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasBuffer {
		*dst = c.buffer
		c.buffer = nil
		c.hasBuffer = false
		if w := c.write; w != nil {
			c.write = nil
			c.buffer = w.payload
			c.hasBuffer = true
			postOrDrop(c.serverCQ, w.tag, true)
		}
		postOrDrop(c.clientCQ, tag, true)
		return
	}
	if c.finished {
		postOrDrop(c.clientCQ, tag, false)
		return
	}
	c.recvTag = tag
	c.recvDst = dst
	c.recving = true
}

func (cc inprocClientCall) Finish(tag Tag, reply *[]byte, st *Status) {
	c := cc.c
	c.mu.Lock()
	c.finTag = tag
	c.finReply = reply
	c.finSt = st
	c.finWait = true
	// Unread messages are dropped once the client asks for the status.
	c.buffer = nil
	c.hasBuffer = false
	c.completeClientLocked()
	c.mu.Unlock()
}
