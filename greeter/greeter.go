// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package greeter implements the helloworld Greeter service on cqrpc: a
// unary SayHello and a server-streaming SayHelloStreamReply, plus a client
// that reports every reply it receives.
package greeter

import (
	"context"
	"log/slog"

	"github.com/Query-farm/cqrpc/cqrpc"
)

// Method names registered by [Register].
const (
	MethodSayHello            = "SayHello"
	MethodSayHelloStreamReply = "SayHelloStreamReply"
)

const prefix = "Hello"

// HelloRequest carries the name to greet.
type HelloRequest struct {
	Name string `cqrpc:"name"`
}

// HelloReply carries one greeting.
type HelloReply struct {
	Message string `cqrpc:"message"`
}

// Register adds the Greeter methods to server.
func Register(server *cqrpc.Server) {
	cqrpc.Unary(server, MethodSayHello, sayHello)
	cqrpc.ServerStream(server, MethodSayHelloStreamReply, sayHelloStreamReply)
}

func sayHello(_ context.Context, cc *cqrpc.CallContext, req HelloRequest) (HelloReply, error) {
	cc.Logger().Debug("answering greeting", slog.String("name", req.Name))
	return HelloReply{Message: prefix + req.Name}, nil
}

// StreamMessages returns the messages SayHelloStreamReply sends to name,
// in order.
func StreamMessages(name, serverID string) []string {
	return []string{
		prefix + name + "!",
		"How are you doing?",
		"How can I assist you today?",
		"I'm a server ID " + serverID,
	}
}

func sayHelloStreamReply(_ context.Context, cc *cqrpc.CallContext, req HelloRequest) ([]HelloReply, error) {
	msgs := StreamMessages(req.Name, cc.ServerID)
	cc.Logger().Debug("streaming greeting", slog.String("name", req.Name), slog.Int("messages", len(msgs)))
	out := make([]HelloReply, len(msgs))
	for i, m := range msgs {
		out[i] = HelloReply{Message: m}
	}
	return out, nil
}
