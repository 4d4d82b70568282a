// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"log/slog"
	"maps"
)

// CallContext provides request-scoped information and logging to method handlers.
type CallContext struct {
	// Ctx is the request-scoped context, carrying cancellation and deadlines.
	Ctx context.Context
	// Tag is the identity of the call state serving this request.
	Tag Tag
	// ServerID is the server identifier set via [Server.SetServerID].
	ServerID string
	// Method is the name of the RPC method being invoked.
	Method string
	// Kind is the shape of the method.
	Kind   Kind
	logger *slog.Logger
}

// Cancelled reports whether the client cancelled the call or its deadline
// expired.
func (ctx *CallContext) Cancelled() bool {
	return ctx.Ctx != nil && ctx.Ctx.Err() != nil
}

// Logger returns the server logger annotated with the call's attributes.
func (ctx *CallContext) Logger() *slog.Logger {
	l := ctx.logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("method", ctx.Method), slog.Any("tag", ctx.Tag))
}

type outgoingMetadataKey struct{}

// WithOutgoingMetadata returns a copy of ctx carrying md merged over any
// metadata already attached. Client transports send it with the request and
// servers expose it as [CallInfo.TransportMetadata].
func WithOutgoingMetadata(ctx context.Context, md map[string]string) context.Context {
	merged := maps.Clone(OutgoingMetadata(ctx))
	if merged == nil {
		merged = make(map[string]string, len(md))
	}
	maps.Copy(merged, md)
	return context.WithValue(ctx, outgoingMetadataKey{}, merged)
}

// OutgoingMetadata returns the metadata attached to ctx, or nil. The map
// must not be modified.
func OutgoingMetadata(ctx context.Context) map[string]string {
	md, _ := ctx.Value(outgoingMetadataKey{}).(map[string]string)
	return md
}
