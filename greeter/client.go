// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package greeter

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Query-farm/cqrpc/cqrpc"
)

// Client issues Greeter calls and writes one line per reply to its output:
//
//	[unary] reply message : Helloworld
//	[stream] reply message : How are you doing?
type Client struct {
	rpc *cqrpc.Client

	mu  sync.Mutex
	out io.Writer
}

// NewClient wraps rpc. Replies are written to out.
func NewClient(rpc *cqrpc.Client, out io.Writer) *Client {
	return &Client{rpc: rpc, out: out}
}

func (g *Client) printf(format string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.out, format, args...)
}

func (g *Client) report(kind string, st *cqrpc.Status) {
	if !st.OK() {
		g.printf("[%s] RPC failed: %s\n", kind, st)
	}
}

// SayHello starts a unary greeting. done, if not nil, receives the final
// status after the reply has been written.
func (g *Client) SayHello(ctx context.Context, name string, done func(*cqrpc.Status)) (cqrpc.Tag, error) {
	return cqrpc.Invoke(g.rpc, ctx, MethodSayHello, HelloRequest{Name: name}, func(reply HelloReply, st *cqrpc.Status) {
		if st.OK() {
			g.printf("[unary] reply message : %s\n", reply.Message)
		}
		g.report("unary", st)
		if done != nil {
			done(st)
		}
	})
}

// SayHelloStreamReply starts a streaming greeting. Each message is written
// as it arrives; done, if not nil, receives the final status.
func (g *Client) SayHelloStreamReply(ctx context.Context, name string, done func(*cqrpc.Status)) (cqrpc.Tag, error) {
	return cqrpc.InvokeStream(g.rpc, ctx, MethodSayHelloStreamReply, HelloRequest{Name: name},
		func(reply HelloReply) {
			g.printf("[stream] reply message : %s\n", reply.Message)
		},
		func(st *cqrpc.Status) {
			g.report("stream", st)
			if done != nil {
				done(st)
			}
		})
}
