// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Query-farm/cqrpc/cqrpc"
)

type harness struct {
	client *cqrpc.Client
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve runs the fixture server on st and a client on ct.
func serve(tb testing.TB, st cqrpc.ServerTransport, ct cqrpc.ClientTransport, workers int) *harness {
	tb.Helper()
	server := cqrpc.NewServer()
	server.SetLogger(quietLogger())
	server.SetWorkers(workers)
	RegisterMethods(server)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, st) }()

	client := cqrpc.NewClient(ct)
	client.SetLogger(quietLogger())
	client.SetWorkers(workers)
	ran := make(chan error, 1)
	go func() { ran <- client.Run(context.Background()) }()

	tb.Cleanup(func() {
		client.Close()
		require.NoError(tb, <-ran)
		cancel()
		require.NoError(tb, <-served)
	})
	return &harness{client: client}
}

func inproc(tb testing.TB, workers int) *harness {
	t := cqrpc.NewInProcTransport()
	return serve(tb, t, t, workers)
}

func tcp(tb testing.TB, compress bool) *harness {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	st := cqrpc.NewNetServerTransport(lis, "bench", quietLogger())
	return serve(tb, st, cqrpc.NewNetClientTransport(lis.Addr().String(), compress), 1)
}

// unary issues one call and waits for it.
func (h *harness) unary(tb testing.TB, method string, req any) {
	done := make(chan cqrpc.Status, 1)
	var err error
	switch p := req.(type) {
	case AddParams:
		_, err = cqrpc.Invoke(h.client, context.Background(), method, p, func(_ float64, st *cqrpc.Status) { done <- *st })
	case GreetParams:
		_, err = cqrpc.Invoke(h.client, context.Background(), method, p, func(_ string, st *cqrpc.Status) { done <- *st })
	default:
		_, err = cqrpc.Invoke(h.client, context.Background(), method, NoopParams{}, func(_ NoopParams, st *cqrpc.Status) { done <- *st })
	}
	if err != nil {
		tb.Fatal(err)
	}
	if st := <-done; !st.OK() {
		tb.Fatal(st)
	}
}

func BenchmarkUnaryNoopInProc(b *testing.B) {
	h := inproc(b, 1)
	b.ResetTimer()
	for b.Loop() {
		h.unary(b, "noop", NoopParams{})
	}
}

func BenchmarkUnaryAddInProc(b *testing.B) {
	h := inproc(b, 1)
	b.ResetTimer()
	for b.Loop() {
		h.unary(b, "add", AddParams{A: 1, B: 2})
	}
}

func BenchmarkUnaryGreetTCP(b *testing.B) {
	h := tcp(b, false)
	b.ResetTimer()
	for b.Loop() {
		h.unary(b, "greet", GreetParams{Name: "bench"})
	}
}

func BenchmarkUnaryGreetTCPZstd(b *testing.B) {
	h := tcp(b, true)
	b.ResetTimer()
	for b.Loop() {
		h.unary(b, "greet", GreetParams{Name: "bench"})
	}
}

func BenchmarkUnaryParallelInProc(b *testing.B) {
	h := inproc(b, 4)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h.unary(b, "add", AddParams{A: 1, B: 2})
		}
	})
}

func BenchmarkStreamGenerate100InProc(b *testing.B) {
	h := inproc(b, 1)
	b.ResetTimer()
	for b.Loop() {
		done := make(chan cqrpc.Status, 1)
		n := 0
		_, err := cqrpc.InvokeStream(h.client, context.Background(), "generate", GenerateParams{Count: 100},
			func(GenerateRow) { n++ },
			func(st *cqrpc.Status) { done <- *st })
		if err != nil {
			b.Fatal(err)
		}
		if st := <-done; !st.OK() || n != 100 {
			b.Fatalf("status %s, %d rows", st, n)
		}
	}
}

func TestFixtureRoundtripTypes(t *testing.T) {
	h := inproc(t, 1)
	note := "n"
	done := make(chan string, 1)
	_, err := cqrpc.Invoke(h.client, context.Background(), "roundtrip_types",
		struct {
			Count   int32   `cqrpc:"count"`
			Ratio   float32 `cqrpc:"ratio"`
			Enabled bool    `cqrpc:"enabled"`
			Note    *string `cqrpc:"note"`
			Blob    []byte  `cqrpc:"blob"`
		}{Count: 7, Ratio: 0.5, Enabled: true, Note: &note, Blob: []byte{0xab}},
		func(r string, st *cqrpc.Status) {
			if !st.OK() {
				r = st.String()
			}
			done <- r
		})
	require.NoError(t, err)
	require.Equal(t, "GREEN:7:0.50:true:n:ab", <-done)
}

func TestFixtureGenerate(t *testing.T) {
	h := inproc(t, 1)
	var rows []GenerateRow
	done := make(chan cqrpc.Status, 1)
	_, err := cqrpc.InvokeStream(h.client, context.Background(), "generate", GenerateParams{Count: 3},
		func(r GenerateRow) { rows = append(rows, r) },
		func(st *cqrpc.Status) { done <- *st })
	require.NoError(t, err)
	st := <-done
	require.True(t, st.OK(), st.String())
	require.Equal(t, []GenerateRow{{0, 0}, {1, 10}, {2, 20}}, rows)
}
