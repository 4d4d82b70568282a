// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package cqotel provides OpenTelemetry instrumentation for cqrpc servers
// and clients. It implements the [cqrpc.CallHook] interface to add
// distributed tracing and metrics to every call.
//
// Usage:
//
//	server := cqrpc.NewServer()
//	// ... register methods ...
//	cqotel.InstrumentServer(server, cqotel.DefaultConfig())
package cqotel

import (
	"context"
	"fmt"
	"time"

	"github.com/Query-farm/cqrpc/cqrpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "cqrpc"

// OtelConfig configures OpenTelemetry instrumentation.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator injects the client span into outgoing request metadata and
	// extracts it on the server. Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// ServiceName is the rpc.service attribute value.
	// Defaults to Server.ServiceName() or "GoRpcServer".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider, MeterProvider and Propagator are resolved from the global
// OTel SDK at instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to a server via
// [cqrpc.Server.SetCallHook]. Spawn failures of the acceptor pool are
// counted as rpc.server.spawn_failures.
func InstrumentServer(server *cqrpc.Server, cfg OtelConfig) {
	if cfg.ServiceName == "" {
		if sn := server.ServiceName(); sn != "" {
			cfg.ServiceName = sn
		} else {
			cfg.ServiceName = "GoRpcServer"
		}
	}
	server.SetCallHook(newHook(cfg, "server"))
}

// InstrumentClient attaches OpenTelemetry instrumentation to a client.
func InstrumentClient(client *cqrpc.Client, cfg OtelConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "GoRpcClient"
	}
	client.SetCallHook(newHook(cfg, "client"))
}

func newHook(cfg OtelConfig, side string) *otelHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc."+side+".requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc."+side+".duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC calls"),
		)
		if side == "server" {
			hook.spawnFailures, _ = meter.Int64Counter("rpc.server.spawn_failures",
				metric.WithUnit("{acceptor}"),
				metric.WithDescription("Acceptors that could not be replaced"),
			)
		}
	}
	return hook
}

// otelHook implements cqrpc.CallHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	spawnFailures     metric.Int64Counter
}

// spanToken is the HookToken returned by OnCallStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnCallStart starts a span for the call. Server spans are parented on the
// trace context found in the request metadata; client spans are injected
// into the outgoing metadata.
func (h *otelHook) OnCallStart(ctx context.Context, info cqrpc.CallInfo) (context.Context, cqrpc.HookToken) {
	if info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("cqrpc/%s", info.Method)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "cqrpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.cqrpc.kind", info.Kind.String()),
		attribute.String("rpc.cqrpc.tag", info.Tag.String()),
	}
	if info.ServerID != "" {
		attrs = append(attrs, attribute.String("rpc.cqrpc.server_id", info.ServerID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	kind := trace.SpanKindServer
	if info.Side == cqrpc.SideClient {
		kind = trace.SpanKindClient
	}
	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	if info.Side == cqrpc.SideClient {
		carrier := propagation.MapCarrier{}
		h.cfg.Propagator.Inject(ctx, carrier)
		if len(carrier) > 0 {
			ctx = cqrpc.WithOutgoingMetadata(ctx, carrier)
		}
	}

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnCallEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnCallEnd(ctx context.Context, token cqrpc.HookToken, info cqrpc.CallInfo, stats *cqrpc.CallStatistics, st cqrpc.Status) {
	tok, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(tok.startTime)

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "cqrpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.cqrpc.kind", info.Kind.String()),
			attribute.String("status", st.Code.String()),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if tok.span != nil && tok.span.IsRecording() {
		if stats != nil {
			tok.span.SetAttributes(
				attribute.Int64("rpc.cqrpc.input_messages", stats.InputMessages),
				attribute.Int64("rpc.cqrpc.output_messages", stats.OutputMessages),
				attribute.Int64("rpc.cqrpc.input_bytes", stats.InputBytes),
				attribute.Int64("rpc.cqrpc.output_bytes", stats.OutputBytes),
			)
		}
		tok.span.SetAttributes(attribute.String("rpc.cqrpc.status_code", st.Code.String()))
		if st.OK() {
			tok.span.SetStatus(codes.Ok, "")
		} else {
			tok.span.SetStatus(codes.Error, st.Message)
		}
		tok.span.End()
	}
}

// OnSpawnFailure implements cqrpc.SpawnFailureHook.
func (h *otelHook) OnSpawnFailure(method string, err error) {
	if h.spawnFailures == nil {
		return
	}
	h.spawnFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("rpc.system", "cqrpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", method),
		attribute.String("error", err.Error()),
	))
}
