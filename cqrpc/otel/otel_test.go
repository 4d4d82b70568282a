// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqotel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"

	"github.com/Query-farm/cqrpc/cqrpc"
)

type helloRequest struct {
	Name string `cqrpc:"name"`
}

type helloReply struct {
	Message string `cqrpc:"message"`
}

type telemetry struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	cfg    OtelConfig
}

func newTelemetry() *telemetry {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("env", "test")}
	return &telemetry{spans: spans, reader: reader, cfg: cfg}
}

func (tel *telemetry) sum(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerSpansAndMetrics(t *testing.T) {
	tel := newTelemetry()
	server := cqrpc.NewServer()
	server.SetServerID("srv-otel")
	server.SetServiceName("greeter")
	server.SetLogger(quietLogger())
	cqrpc.Unary(server, "SayHello", func(_ context.Context, _ *cqrpc.CallContext, r helloRequest) (helloReply, error) {
		if r.Name == "" {
			return helloReply{}, cqrpc.NewStatus(grpccodes.InvalidArgument, "name required").Err()
		}
		return helloReply{Message: "Hello" + r.Name}, nil
	})
	InstrumentServer(server, tel.cfg)

	transport := cqrpc.NewInProcTransport()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, transport) }()

	client := cqrpc.NewClient(transport)
	client.SetLogger(quietLogger())
	ran := make(chan error, 1)
	go func() { ran <- client.Run(context.Background()) }()

	for _, name := range []string{"world", ""} {
		done := make(chan cqrpc.Status, 1)
		_, err := cqrpc.Invoke(client, context.Background(), "SayHello", helloRequest{Name: name},
			func(_ helloReply, st *cqrpc.Status) { done <- *st })
		require.NoError(t, err)
		<-done
	}
	client.Close()
	require.NoError(t, <-ran)
	cancel()
	require.NoError(t, <-served)

	ended := tel.spans.Ended()
	require.Len(t, ended, 2)
	ok, failed := ended[0], ended[1]
	if ok.Status().Code != codes.Ok {
		ok, failed = failed, ok
	}
	assert.Equal(t, "cqrpc/SayHello", ok.Name())
	assert.Equal(t, trace.SpanKindServer, ok.SpanKind())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "name required", failed.Status().Description)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ok.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "greeter", attrs["rpc.service"].AsString())
	assert.Equal(t, "unary", attrs["rpc.cqrpc.kind"].AsString())
	assert.Equal(t, "srv-otel", attrs["rpc.cqrpc.server_id"].AsString())
	assert.Equal(t, "test", attrs["env"].AsString())
	assert.Equal(t, int64(1), attrs["rpc.cqrpc.output_messages"].AsInt64())

	assert.Equal(t, int64(2), tel.sum(t, "rpc.server.requests"))
}

func TestClientSpans(t *testing.T) {
	tel := newTelemetry()
	server := cqrpc.NewServer()
	server.SetLogger(quietLogger())
	cqrpc.ServerStream(server, "count", func(context.Context, *cqrpc.CallContext, helloRequest) ([]helloReply, error) {
		return []helloReply{{Message: "1"}, {Message: "2"}}, nil
	})
	transport := cqrpc.NewInProcTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx, transport) }()

	client := cqrpc.NewClient(transport)
	client.SetLogger(quietLogger())
	InstrumentClient(client, tel.cfg)
	ran := make(chan error, 1)
	go func() { ran <- client.Run(context.Background()) }()

	done := make(chan cqrpc.Status, 1)
	_, err := cqrpc.InvokeStream(client, context.Background(), "count", helloRequest{},
		func(helloReply) {}, func(st *cqrpc.Status) { done <- *st })
	require.NoError(t, err)
	require.True(t, (<-done).OK())
	client.Close()
	require.NoError(t, <-ran)

	ended := tel.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, trace.SpanKindClient, ended[0].SpanKind())
	assert.Equal(t, int64(1), tel.sum(t, "rpc.client.requests"))
}

func TestTraceContextCrossesTransports(t *testing.T) {
	transports := map[string]func(t *testing.T) (cqrpc.ServerTransport, cqrpc.ClientTransport){
		"inproc": func(*testing.T) (cqrpc.ServerTransport, cqrpc.ClientTransport) {
			tr := cqrpc.NewInProcTransport()
			return tr, tr
		},
		"tcp": func(t *testing.T) (cqrpc.ServerTransport, cqrpc.ClientTransport) {
			lis, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			st := cqrpc.NewNetServerTransport(lis, "srv-otel", quietLogger())
			return st, cqrpc.NewNetClientTransport(st.Addr().String(), true)
		},
	}
	for name, open := range transports {
		t.Run(name, func(t *testing.T) {
			tel := newTelemetry()
			tel.cfg.Propagator = propagation.TraceContext{}

			server := cqrpc.NewServer()
			server.SetLogger(quietLogger())
			cqrpc.Unary(server, "SayHello", func(_ context.Context, _ *cqrpc.CallContext, r helloRequest) (helloReply, error) {
				return helloReply{Message: "Hello" + r.Name}, nil
			})
			InstrumentServer(server, tel.cfg)
			st, ct := open(t)
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- server.Serve(ctx, st) }()

			client := cqrpc.NewClient(ct)
			client.SetLogger(quietLogger())
			InstrumentClient(client, tel.cfg)
			ran := make(chan error, 1)
			go func() { ran <- client.Run(context.Background()) }()

			done := make(chan cqrpc.Status, 1)
			_, err := cqrpc.Invoke(client, context.Background(), "SayHello", helloRequest{Name: "world"},
				func(_ helloReply, st *cqrpc.Status) { done <- *st })
			require.NoError(t, err)
			require.True(t, (<-done).OK())
			client.Close()
			require.NoError(t, <-ran)
			cancel()
			require.NoError(t, <-served)

			var clientSpan, serverSpan sdktrace.ReadOnlySpan
			for _, span := range tel.spans.Ended() {
				switch span.SpanKind() {
				case trace.SpanKindClient:
					clientSpan = span
				case trace.SpanKindServer:
					serverSpan = span
				}
			}
			require.NotNil(t, clientSpan)
			require.NotNil(t, serverSpan)
			assert.Equal(t, clientSpan.SpanContext().TraceID(), serverSpan.SpanContext().TraceID())
			assert.Equal(t, clientSpan.SpanContext().SpanID(), serverSpan.Parent().SpanID())
			assert.True(t, serverSpan.Parent().IsRemote())
		})
	}
}

func TestSpawnFailureCounter(t *testing.T) {
	tel := newTelemetry()
	hook := newHook(tel.cfg, "server")
	hook.OnSpawnFailure("SayHello", errors.New("in-flight call limit reached"))
	hook.OnSpawnFailure("SayHello", errors.New("in-flight call limit reached"))
	assert.Equal(t, int64(2), tel.sum(t, "rpc.server.spawn_failures"))

	// Client hooks have no spawn failure counter.
	assert.NotPanics(t, func() { newHook(tel.cfg, "client").OnSpawnFailure("m", errors.New("x")) })
}

func TestDisabledTracing(t *testing.T) {
	tel := newTelemetry()
	tel.cfg.EnableTracing = false
	hook := newHook(tel.cfg, "server")
	ctx, token := hook.OnCallStart(context.Background(), cqrpc.CallInfo{Method: "m"})
	hook.OnCallEnd(ctx, token, cqrpc.CallInfo{Method: "m"}, nil, cqrpc.StatusOK)
	assert.Empty(t, tel.spans.Ended())
	assert.Equal(t, int64(1), tel.sum(t, "rpc.server.requests"))
}

func TestStdoutConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg, shutdown, err := StdoutConfig(&buf, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "greeter", cfg.ServiceName)

	hook := newHook(cfg, "server")
	ctx, token := hook.OnCallStart(context.Background(), cqrpc.CallInfo{Method: "SayHello"})
	hook.OnCallEnd(ctx, token, cqrpc.CallInfo{Method: "SayHello"}, &cqrpc.CallStatistics{}, cqrpc.StatusOK)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, shutdown(sctx))
	assert.Contains(t, buf.String(), "cqrpc/SayHello")
	assert.Contains(t, buf.String(), "rpc.server.requests")
}
