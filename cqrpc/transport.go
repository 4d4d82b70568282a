// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import "context"

// ServerTransport accepts inbound calls on behalf of a [Server].
//
// Every operation that names a tag yields exactly one event for that tag on
// the given queue, including when the transport shuts down (ok=false).
type ServerTransport interface {
	// RequestCall registers tag as the next acceptor for method. When a call
	// for method arrives the transport calls bind with the new stream and
	// then posts (tag, true). On shutdown the acceptor completes with
	// (tag, false) and bind is not called. Inbound calls that arrive while
	// no acceptor is registered are held until one is.
	RequestCall(method string, tag Tag, cq *CompletionQueue, bind func(ServerCall)) error
	// Shutdown stops accepting: pending acceptors complete with ok=false and
	// held calls are refused. Calls already bound to a state keep running
	// until they finish.
	Shutdown()
}

// Aborter is optionally implemented by a [ServerTransport] that can cancel
// the calls still running after Shutdown. The server uses it once its drain
// timeout passes.
type Aborter interface {
	Abort()
}

// MethodSetter is optionally implemented by a [ServerTransport]. The server
// announces its methods before registering any acceptor so the transport
// can answer calls to other methods with codes.Unimplemented instead of
// holding them.
type MethodSetter interface {
	SetMethods(methods []string)
}

// ServerCall is the server half of one accepted call.
type ServerCall interface {
	// Context is cancelled when the client goes away or its deadline
	// expires.
	Context() context.Context
	Method() string
	// Request returns the encoded request payload.
	Request() []byte
	// Metadata returns the transport-level request metadata, such as the
	// keys a client attached with [WithOutgoingMetadata]. It may be nil.
	Metadata() map[string]string
	// SendMsg writes one message. Completion is posted as (tag, ok); ok is
	// false when the client is gone.
	SendMsg(tag Tag, payload []byte)
	// Finish ends the call with st. reply is the unary reply payload and nil
	// for streams.
	Finish(tag Tag, reply []byte, st Status)
}

// ClientTransport creates outbound calls.
type ClientTransport interface {
	// PrepareCall creates a call bound to the transport's target. Nothing is
	// sent until [ClientCall.Start]. Completion events of the call's
	// operations are posted to cq.
	PrepareCall(ctx context.Context, method string, request []byte, cq *CompletionQueue) (ClientCall, error)
}

// ClientCall is the client half of one outbound call.
type ClientCall interface {
	// Start sends the request. It reports transport failures synchronously
	// and posts no event.
	Start() error
	// Recv reads the next message into dst and posts (tag, true), or posts
	// (tag, false) at end of stream.
	Recv(tag Tag, dst *[]byte)
	// Finish waits for the end of the call, stores the unary reply (when
	// reply is non-nil) and the final status, then posts (tag, true).
	Finish(tag Tag, reply *[]byte, st *Status)
}

// postOrDrop posts an event and ignores the shutdown error; a transport that
// outlives its queue has nobody left to notify.
func postOrDrop(cq *CompletionQueue, tag Tag, ok bool) {
	_ = cq.Post(tag, ok)
}
