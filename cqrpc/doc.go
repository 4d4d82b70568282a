// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package cqrpc implements an asynchronous RPC engine driven by a
// completion queue.
//
// Every call, on the server and on the client, is a small state machine
// (a call state) identified by a [Tag]. Transport operations such as
// writing a message or finishing a call never block: they complete later
// as an [Event] on a [CompletionQueue]. An event loop pulls events off the
// queue and runs the transition of the call state the tag belongs to.
// Each transition submits at most one transport operation, so a call has
// at most one read or write outstanding at a time.
//
// # Call kinds
//
//   - Unary: one request, one reply. Register with [Unary], call with
//     [Invoke].
//   - Server stream: one request answered by an ordered sequence of
//     messages. Register with [ServerStream], call with [InvokeStream].
//
// # Acceptors
//
// On the server a call state waiting for a new inbound call is an
// acceptor. Whenever an acceptor is matched to a call, a successor for the
// same method is registered before any handler code runs, so a method
// always has at least one acceptor while the server is serving.
// [Server.Acceptors] exposes the count and [ServerStats.SpawnFailures]
// counts replacements that could not be registered.
//
// # Codecs
//
// Payloads are encoded by a [Codec]. [ArrowCodec], the default, encodes a
// value as a single-row Arrow IPC stream using `cqrpc` struct tags:
//
//	`cqrpc:"wire_name[,option[,option...]]"`
//
// Supported options:
//
//   - default=VALUE  default value when the column is missing or null
//   - int32          use Arrow Int32 instead of the default Int64
//   - float32        use Arrow Float32 instead of the default Float64
//
// Pointer fields (e.g. *string, *int64) become nullable Arrow columns.
// [ProtoCodec] encodes protobuf messages instead.
//
// # Transports
//
// [InProcTransport] connects a server and client in the same process.
// [NetServerTransport] and [NetClientTransport] carry calls over TCP, one
// connection per call, framing payloads in Arrow IPC batches with
// optional zstd compression.
//
// # Shutdown
//
// [Server.Serve] returns once its context is cancelled and every running
// call has finished. The transport stops accepting first; calls already
// accepted keep running. [Server.SetDrainTimeout] bounds the wait for
// transports implementing [Aborter].
//
// # Introspection
//
// Every server answers the built-in __describe__ stream ([Describe]) and
// can expose an HTML or JSON status page with [NewStatusHandler].
package cqrpc
