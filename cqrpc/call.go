// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Kind selects the transition table of a call state.
type Kind int

const (
	// KindUnary is a single request answered by a single reply.
	KindUnary Kind = iota
	// KindServerStream is a single request answered by an ordered sequence
	// of messages written one at a time.
	KindServerStream
	// KindClientStreamRead is the client side of a server stream: one read
	// outstanding at a time until end of stream.
	KindClientStreamRead
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindServerStream:
		return "server_stream"
	case KindClientStreamRead:
		return "client_stream_read"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Phase is the lifecycle stage of a call state. Phases never move
// backwards.
type Phase int32

const (
	// PhaseCreate: registered with the transport, waiting for a new call.
	PhaseCreate Phase = iota
	// PhaseProcess: the call is active.
	PhaseProcess
	// PhaseFinish: the terminal operation has been submitted.
	PhaseFinish
)

func (p Phase) String() string {
	switch p {
	case PhaseCreate:
		return "create"
	case PhaseProcess:
		return "process"
	case PhaseFinish:
		return "finish"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Side tells which end of a call a state belongs to.
type Side int

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

// variant holds the kind specific data of a call state and its transition
// table.
type variant interface {
	kind() Kind
	side() Side
	transition(c *callState, ok bool) step
	// submit hands the step's operation to the transport.
	submit(tag Tag, s step)
}

// callState is one RPC's state machine instance. Fields other than phase and
// busy are only touched by the state's own transition, which the event loop
// never runs concurrently for one tag.
type callState struct {
	tag    Tag
	method string
	ctx    context.Context
	v      variant

	phase atomic.Int32
	busy  atomic.Bool

	status    Status
	statusSet bool
	cancel    context.CancelFunc
	started   atomic.Int64 // unix nanoseconds; reset when a server call is accepted
	stats     CallStatistics
	meta      map[string]string // transport metadata of an accepted call

	hookToken  HookToken
	hookActive bool
}

func newCallState(method string, v variant, phase Phase) *callState {
	c := &callState{method: method, v: v}
	c.markStarted()
	c.phase.Store(int32(phase))
	return c
}

func (c *callState) markStarted() {
	c.started.Store(time.Now().UnixNano())
}

func (c *callState) startTime() time.Time {
	return time.Unix(0, c.started.Load())
}

func (c *callState) kind() Kind { return c.v.kind() }

func (c *callState) side() Side { return c.v.side() }

func (c *callState) currentPhase() Phase {
	return Phase(c.phase.Load())
}

// setPhase advances the phase. Moving backwards is a programming error.
func (c *callState) setPhase(p Phase) {
	if cur := c.currentPhase(); p < cur {
		panic(fmt.Sprintf("cqrpc: call %v: phase %v -> %v is not allowed", c.tag, cur, p))
	}
	c.phase.Store(int32(p))
}

// setStatus records the terminal status. It is set exactly once; later
// calls are ignored.
func (c *callState) setStatus(st Status) {
	if c.statusSet {
		return
	}
	c.status = st
	c.statusSet = true
}

func (c *callState) cancelled() bool {
	return c.ctx != nil && c.ctx.Err() != nil
}

// opKind names the transport operation a transition submits.
type opKind int

const (
	opNone opKind = iota
	opWrite
	opFinish
	opRecv
	opClientFinish
	// opResume re-posts the tag so processing continues on a later event.
	opResume
)

func (k opKind) String() string {
	switch k {
	case opNone:
		return "none"
	case opWrite:
		return "write"
	case opFinish:
		return "finish"
	case opRecv:
		return "recv"
	case opClientFinish:
		return "client_finish"
	case opResume:
		return "resume"
	default:
		return fmt.Sprintf("opKind(%d)", int(k))
	}
}

// step is the outcome of one transition. The event loop applies it in
// order: spawn the successor acceptor, notify the application, then either
// submit the single operation or release the state.
type step struct {
	// spawn asks the replication policy for a new acceptor of the same
	// method and kind.
	spawn bool

	// notify carries a decoded message (hasMessage) or the terminal result
	// (done) for client callbacks.
	hasMessage bool
	message    any
	done       bool
	reply      any

	op      opKind
	payload []byte
	status  Status

	release bool
}
