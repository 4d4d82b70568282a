// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package greeter

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/Query-farm/cqrpc/cqrpc"
)

// startGreeter serves the Greeter over an in-process transport and returns
// a running client. Everything is torn down when the test ends.
func startGreeter(t *testing.T, serverID string) *cqrpc.Client {
	t.Helper()
	transport := cqrpc.NewInProcTransport()
	server := cqrpc.NewServer()
	server.SetServerID(serverID)
	Register(server)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, transport) }()

	client := cqrpc.NewClient(transport)
	ran := make(chan error, 1)
	go func() { ran <- client.Run(context.Background()) }()

	t.Cleanup(func() {
		client.Close()
		require.NoError(t, <-ran)
		cancel()
		require.NoError(t, <-served)
	})
	return client
}

func TestSayHello(t *testing.T) {
	rpc := startGreeter(t, "greeter-1")
	var out bytes.Buffer
	g := NewClient(rpc, &out)

	done := make(chan cqrpc.Status, 1)
	_, err := g.SayHello(context.Background(), "world", func(st *cqrpc.Status) { done <- *st })
	require.NoError(t, err)

	select {
	case st := <-done:
		assert.True(t, st.OK(), "status: %s", st)
	case <-time.After(5 * time.Second):
		t.Fatal("SayHello did not complete")
	}
	assert.Equal(t, "[unary] reply message : Helloworld\n", out.String())
}

func TestSayHelloStreamReply(t *testing.T) {
	rpc := startGreeter(t, "greeter-2")
	var out bytes.Buffer
	g := NewClient(rpc, &out)

	done := make(chan cqrpc.Status, 1)
	_, err := g.SayHelloStreamReply(context.Background(), "sasha", func(st *cqrpc.Status) { done <- *st })
	require.NoError(t, err)

	select {
	case st := <-done:
		assert.True(t, st.OK(), "status: %s", st)
	case <-time.After(5 * time.Second):
		t.Fatal("SayHelloStreamReply did not complete")
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"[stream] reply message : Hellosasha!",
		"[stream] reply message : How are you doing?",
		"[stream] reply message : How can I assist you today?",
		"[stream] reply message : I'm a server ID greeter-2",
	}, lines)
}

func TestStreamMessagesOrder(t *testing.T) {
	msgs := StreamMessages("sasha", "s1")
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hellosasha!", msgs[0])
	assert.Equal(t, "I'm a server ID s1", msgs[3])
}

func TestSayHelloConcurrent(t *testing.T) {
	rpc := startGreeter(t, "greeter-3")

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	replies := make(map[string]int)
	wg.Add(n)
	for range n {
		_, err := cqrpc.Invoke(rpc, context.Background(), MethodSayHello, HelloRequest{Name: "world"},
			func(r HelloReply, st *cqrpc.Status) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				if st.OK() {
					replies[r.Message]++
				}
			})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"Helloworld": n}, replies)
}

func TestClientReportsFailure(t *testing.T) {
	rpc := startGreeter(t, "greeter-4")
	var out bytes.Buffer
	g := NewClient(rpc, &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan cqrpc.Status, 1)
	_, err := g.SayHello(ctx, "world", func(st *cqrpc.Status) { done <- *st })
	require.NoError(t, err)

	select {
	case st := <-done:
		assert.Equal(t, codes.Canceled, st.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled SayHello did not complete")
	}
	assert.True(t, strings.HasPrefix(out.String(), "[unary] RPC failed: "), out.String())
}
