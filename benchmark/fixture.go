// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds the methods and harness used to measure call
// throughput.
package benchmark

import (
	"context"
	"fmt"

	"github.com/Query-farm/cqrpc/cqrpc"
)

// Parameter structs

type NoopParams struct{}

type AddParams struct {
	A float64 `cqrpc:"a"`
	B float64 `cqrpc:"b"`
}

type GreetParams struct {
	Name string `cqrpc:"name"`
}

type RoundtripTypesParams struct {
	Color   string  `cqrpc:"color,default=GREEN"`
	Count   int32   `cqrpc:"count"`
	Ratio   float32 `cqrpc:"ratio"`
	Enabled bool    `cqrpc:"enabled"`
	Note    *string `cqrpc:"note"`
	Blob    []byte  `cqrpc:"blob"`
}

type GenerateParams struct {
	Count int64 `cqrpc:"count"`
}

// RegisterMethods registers the benchmark fixture methods on the server.
func RegisterMethods(server *cqrpc.Server) {
	cqrpc.Unary(server, "noop", noop)
	cqrpc.Unary(server, "add", add)
	cqrpc.Unary(server, "greet", greet)
	cqrpc.Unary(server, "roundtrip_types", roundtripTypes)
	cqrpc.ServerStream(server, "generate", generate)
}

// Handler implementations

func noop(_ context.Context, _ *cqrpc.CallContext, _ NoopParams) (NoopParams, error) {
	return NoopParams{}, nil
}

func add(_ context.Context, _ *cqrpc.CallContext, p AddParams) (float64, error) {
	return p.A + p.B, nil
}

func greet(_ context.Context, _ *cqrpc.CallContext, p GreetParams) (string, error) {
	return "Hello, " + p.Name + "!", nil
}

func roundtripTypes(_ context.Context, _ *cqrpc.CallContext, p RoundtripTypesParams) (string, error) {
	note := "<nil>"
	if p.Note != nil {
		note = *p.Note
	}
	return fmt.Sprintf("%s:%d:%.2f:%t:%s:%x", p.Color, p.Count, p.Ratio, p.Enabled, note, p.Blob), nil
}
