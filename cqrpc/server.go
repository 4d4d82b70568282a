// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// methodInfo stores the registration details for one RPC method.
type methodInfo struct {
	Name         string
	Kind         Kind
	RequestType  reflect.Type
	ResponseType reflect.Type
	// codec overrides the server codec when set.
	codec Codec

	// Exactly one of unary and stream is set, matching Kind. They decode the
	// request, run the handler and encode the result.
	unary  func(ctx context.Context, cc *CallContext, codec Codec, req []byte) ([]byte, error)
	stream func(ctx context.Context, cc *CallContext, codec Codec, req []byte) ([][]byte, error)
}

// Server dispatches inbound calls to registered methods through a
// completion queue.
type Server struct {
	methods     map[string]*methodInfo
	serverID    string
	serviceName string
	codec       Codec
	callHook    CallHook
	maxInFlight int
	workers     int
	drain       time.Duration
	logger      *slog.Logger

	hooks   *hookRunner
	running atomic.Pointer[serving]
}

// serving is the state of one Serve invocation.
type serving struct {
	cq    *CompletionQueue
	arena *arena
	pool  *acceptorPool
}

// ServerStats is a point-in-time view of a serving server.
type ServerStats struct {
	// Acceptors counts Create-phase call states per method.
	Acceptors map[string]int
	// InFlight counts accepted calls that have not been released.
	InFlight int
	// Released counts call states released since Serve started.
	Released int64
	// SpawnFailures counts acceptors that could not be replaced.
	SpawnFailures int64
	// QueueDepth is the number of undelivered completion events.
	QueueDepth int
}

// NewServer creates a server with a random server ID and the Arrow codec.
func NewServer() *Server {
	s := &Server{
		methods:  make(map[string]*methodInfo),
		serverID: uuid.NewString(),
		codec:    ArrowCodec{},
		workers:  1,
		logger:   slog.Default(),
	}
	s.registerDescribe()
	return s
}

// SetServerID sets a server identifier reported to handlers and clients.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// ServerID returns the server identifier.
func (s *Server) ServerID() string {
	return s.serverID
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetCodec sets the payload codec. The client must use the same codec.
func (s *Server) SetCodec(codec Codec) {
	s.codec = codec
}

// SetCallHook registers a hook that is called around each accepted call.
func (s *Server) SetCallHook(hook CallHook) {
	s.callHook = hook
}

// SetMaxInFlight bounds the number of live call states, acceptors
// included. Zero means unbounded. When the bound is reached acceptors
// cannot be replaced; see [ServerStats.SpawnFailures].
func (s *Server) SetMaxInFlight(n int) {
	s.maxInFlight = n
}

// SetWorkers sets the number of event loop consumers. Defaults to 1.
func (s *Server) SetWorkers(n int) {
	s.workers = n
}

// SetDrainTimeout bounds how long Serve waits for running calls after its
// context is cancelled. When it passes, transports implementing [Aborter]
// cancel the remaining calls. Zero waits until every call finishes.
func (s *Server) SetDrainTimeout(d time.Duration) {
	s.drain = d
}

// SetLogger sets the logger used by the server and passed to handlers.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// Unary registers a method answering one request with one reply.
func Unary[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) (R, error)) {
	if handler == nil {
		panic(fmt.Sprintf("cqrpc: registering %q: nil handler", name))
	}
	s.register(&methodInfo{
		Name:         name,
		Kind:         KindUnary,
		RequestType:  typeOf[P](),
		ResponseType: typeOf[R](),
		unary: func(ctx context.Context, cc *CallContext, codec Codec, req []byte) ([]byte, error) {
			p, err := decodeAs[P](codec, req)
			if err != nil {
				return nil, NewStatus(codes.InvalidArgument, "decoding %s request: %v", name, err).Err()
			}
			r, err := handler(ctx, cc, p)
			if err != nil {
				return nil, err
			}
			out, err := codec.Marshal(r)
			if err != nil {
				return nil, NewStatus(codes.Internal, "encoding %s reply: %v", name, err).Err()
			}
			return out, nil
		},
	})
}

// ServerStream registers a method answering one request with an ordered
// sequence of messages. The handler runs once per call; its messages are
// then written one at a time.
func ServerStream[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) ([]R, error)) {
	if handler == nil {
		panic(fmt.Sprintf("cqrpc: registering %q: nil handler", name))
	}
	s.register(&methodInfo{
		Name:         name,
		Kind:         KindServerStream,
		RequestType:  typeOf[P](),
		ResponseType: typeOf[R](),
		stream: func(ctx context.Context, cc *CallContext, codec Codec, req []byte) ([][]byte, error) {
			p, err := decodeAs[P](codec, req)
			if err != nil {
				return nil, NewStatus(codes.InvalidArgument, "decoding %s request: %v", name, err).Err()
			}
			msgs, err := handler(ctx, cc, p)
			if err != nil {
				return nil, err
			}
			out := make([][]byte, len(msgs))
			for i, m := range msgs {
				if out[i], err = codec.Marshal(m); err != nil {
					return nil, NewStatus(codes.Internal, "encoding %s message %d: %v", name, i, err).Err()
				}
			}
			return out, nil
		},
	})
}

func (s *Server) codecFor(m *methodInfo) Codec {
	if m.codec != nil {
		return m.codec
	}
	return s.codec
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (s *Server) register(m *methodInfo) {
	if s.running.Load() != nil {
		panic(fmt.Sprintf("cqrpc: registering %q: server is already serving", m.Name))
	}
	if m.Name == "" {
		panic("cqrpc: registering a method with an empty name")
	}
	if _, dup := s.methods[m.Name]; dup {
		panic(fmt.Sprintf("cqrpc: registering %q: method already registered", m.Name))
	}
	s.methods[m.Name] = m
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateCodec checks up front that the Arrow codec can encode every
// registered type, so a bad type fails Serve rather than each call.
func (s *Server) validateCodec() error {
	for _, name := range s.Methods() {
		m := s.methods[name]
		if _, ok := s.codecFor(m).(ArrowCodec); !ok {
			continue
		}
		if _, err := layoutFor(m.RequestType); err != nil {
			return fmt.Errorf("cqrpc: method %q: request type %v: %w", name, m.RequestType, err)
		}
		if _, err := layoutFor(m.ResponseType); err != nil {
			return fmt.Errorf("cqrpc: method %q: response type %v: %w", name, m.ResponseType, err)
		}
	}
	return nil
}

// newServerCallState creates a Create-phase state for m and returns it with
// the bind function the transport calls when a call arrives.
func newServerCallState(s *Server, m *methodInfo) (*callState, func(ServerCall)) {
	sc := serverCall{srv: s, m: m}
	switch m.Kind {
	case KindServerStream:
		v := &serverStream{serverCall: sc}
		return newCallState(m.Name, v, PhaseCreate), v.bind
	default:
		v := &serverUnary{serverCall: sc}
		return newCallState(m.Name, v, PhaseCreate), v.bind
	}
}

// Serve registers acceptors for every method with t and runs the event
// loop until ctx is cancelled. Shutdown is graceful: the transport stops
// accepting, live calls drain, then the queue is shut down. Serve returns
// nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, t ServerTransport) error {
	if err := s.validateCodec(); err != nil {
		return err
	}
	cq := NewCompletionQueue()
	a := newArena(s.maxInFlight)
	run := &serving{cq: cq, arena: a, pool: newAcceptorPool(s, t, cq, a)}
	if !s.running.CompareAndSwap(nil, run) {
		return errors.New("cqrpc: server is already serving")
	}
	defer s.running.Store(nil)
	s.hooks = &hookRunner{hook: s.callHook, serverID: s.serverID, logger: s.logger}

	loop := newEventLoop(cq, a, s.logger)
	loop.hooks = s.hooks
	loop.policy = run.pool

	if err := run.pool.start(); err != nil {
		run.pool.stop()
		t.Shutdown()
		cq.Shutdown()
		return err
	}
	s.logger.Info("server started",
		slog.String("server_id", s.serverID),
		slog.Int("methods", len(s.methods)),
		slog.Int("workers", s.workers))

	// The loop must keep draining after ctx is cancelled so live calls can
	// finish; only queue shutdown ends it.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error {
		return loop.runWorkers(gctx, s.workers)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return nil
		}
		s.logger.Info("server shutting down", slog.Int("in_flight", a.len()))
		run.pool.stop()
		t.Shutdown()
		s.drainCalls(gctx, a, t)
		cq.Shutdown()
		return nil
	})
	err := g.Wait()
	s.logger.Info("server stopped", slog.Int64("released", a.released.Load()))
	return err
}

// drainCalls waits for the arena to empty, aborting running calls once the
// drain timeout passes.
func (s *Server) drainCalls(ctx context.Context, a *arena, t ServerTransport) {
	var timeout <-chan time.Time
	if s.drain > 0 {
		timer := time.NewTimer(s.drain)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-a.empty():
		return
	case <-ctx.Done():
		return
	case <-timeout:
	}
	s.logger.Warn("drain timeout passed, aborting running calls",
		slog.Duration("timeout", s.drain),
		slog.Int("in_flight", a.len()))
	if ab, ok := t.(Aborter); ok {
		ab.Abort()
	}
	select {
	case <-a.empty():
	case <-ctx.Done():
	}
}

// Acceptors returns the number of Create-phase call states for method, or
// zero when the server is not serving.
func (s *Server) Acceptors(method string) int {
	run := s.running.Load()
	if run == nil {
		return 0
	}
	return run.pool.acceptors(method)
}

// InFlight returns the number of accepted calls not yet released.
func (s *Server) InFlight() int {
	run := s.running.Load()
	if run == nil {
		return 0
	}
	return max(run.arena.len()-run.pool.total(), 0)
}

// Stats returns a snapshot of the serving state.
func (s *Server) Stats() ServerStats {
	stats := ServerStats{Acceptors: make(map[string]int, len(s.methods))}
	run := s.running.Load()
	for name := range s.methods {
		if run != nil {
			stats.Acceptors[name] = run.pool.acceptors(name)
		} else {
			stats.Acceptors[name] = 0
		}
	}
	if run == nil {
		return stats
	}
	stats.InFlight = max(run.arena.len()-run.pool.total(), 0)
	stats.Released = run.arena.released.Load()
	stats.SpawnFailures = run.pool.failures.Load()
	stats.QueueDepth = run.cq.Len()
	return stats
}
