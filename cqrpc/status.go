// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrQueueShutdown is returned by [CompletionQueue.Next] once the queue
	// has been shut down and every queued event has been delivered.
	ErrQueueShutdown = errors.New("cqrpc: completion queue shut down")
	// ErrResourceExhausted reports that a successor acceptor could not be
	// created because the in-flight call limit was reached.
	ErrResourceExhausted = errors.New("cqrpc: in-flight call limit reached")
	// ErrTransportClosed is returned by transports after Shutdown.
	ErrTransportClosed = errors.New("cqrpc: transport closed")
	// ErrUnknownMethod is returned when a call names a method that is not
	// registered.
	ErrUnknownMethod = errors.New("cqrpc: unknown method")
)

// Status is the terminal result of a call.
type Status struct {
	Code    codes.Code
	Message string
}

// StatusOK is the status of a successfully completed call.
var StatusOK = Status{Code: codes.OK}

// NewStatus builds a Status with a formatted message.
func NewStatus(code codes.Code, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OK reports whether the status carries codes.OK.
func (s Status) OK() bool {
	return s.Code == codes.OK
}

// Err converts the status into a gRPC status error, or nil for OK.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return status.Error(s.Code, s.Message)
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// StatusFromError maps an error returned by a handler to a Status.
// Errors carrying a gRPC status keep their code, context errors map to
// Canceled/DeadlineExceeded, and an [*RpcError] maps by its Type.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusOK
	}
	if st, ok := status.FromError(err); ok {
		return Status{Code: st.Code(), Message: st.Message()}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Status{Code: codes.Canceled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Status{Code: codes.DeadlineExceeded, Message: err.Error()}
	case errors.Is(err, ErrResourceExhausted):
		return Status{Code: codes.ResourceExhausted, Message: err.Error()}
	case errors.Is(err, ErrUnknownMethod):
		return Status{Code: codes.Unimplemented, Message: err.Error()}
	case errors.Is(err, ErrTransportClosed):
		return Status{Code: codes.Unavailable, Message: err.Error()}
	}
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		return Status{Code: rpcErr.Code(), Message: rpcErr.Error()}
	}
	return Status{Code: codes.Unknown, Message: err.Error()}
}

// statusFromContext returns the status for a context that is done.
func statusFromContext(ctx context.Context) Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Status{Code: codes.DeadlineExceeded, Message: "deadline exceeded"}
	}
	return Status{Code: codes.Canceled, Message: "call cancelled"}
}

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError is a protocol-level failure raised while framing or parsing a
// call on the wire.
type RpcError struct {
	Type      string // e.g. "ProtocolError", "VersionError"
	Message   string
	RequestID string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// Code maps the error type to a status code.
func (e *RpcError) Code() codes.Code {
	switch e.Type {
	case "VersionError", "ProtocolError":
		return codes.InvalidArgument
	case "AttributeError":
		return codes.Unimplemented
	case "SerializationError":
		return codes.Internal
	default:
		return codes.Unknown
	}
}
