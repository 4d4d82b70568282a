// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"bytes"
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// MethodDescription is one message of the built-in __describe__ stream.
// It is always encoded with [ArrowCodec], whatever codec the server uses.
type MethodDescription struct {
	Name         string `cqrpc:"name"`
	Kind         string `cqrpc:"kind"`
	Codec        string `cqrpc:"codec"`
	RequestType  string `cqrpc:"request_type"`
	ResponseType string `cqrpc:"response_type"`
	// Arrow IPC encoded schemas; empty unless the method uses ArrowCodec.
	RequestSchemaIPC  []byte `cqrpc:"request_schema_ipc"`
	ResponseSchemaIPC []byte `cqrpc:"response_schema_ipc"`
	ServerID          string `cqrpc:"server_id"`
}

// RequestSchema decodes RequestSchemaIPC, returning nil when it is empty.
func (d MethodDescription) RequestSchema() (*arrow.Schema, error) {
	return deserializeSchema(d.RequestSchemaIPC)
}

// ResponseSchema decodes ResponseSchemaIPC, returning nil when it is empty.
func (d MethodDescription) ResponseSchema() (*arrow.Schema, error) {
	return deserializeSchema(d.ResponseSchemaIPC)
}

type describeRequest struct{}

func (s *Server) registerDescribe() {
	ServerStream(s, DescribeMethod, func(_ context.Context, _ *CallContext, _ describeRequest) ([]MethodDescription, error) {
		return s.describe(), nil
	})
	s.methods[DescribeMethod].codec = ArrowCodec{}
}

// describe lists the registered methods, sorted by name.
func (s *Server) describe() []MethodDescription {
	names := s.Methods()
	out := make([]MethodDescription, 0, len(names))
	for _, name := range names {
		m := s.methods[name]
		codec := s.codecFor(m)
		d := MethodDescription{
			Name:         name,
			Kind:         m.Kind.String(),
			Codec:        codec.Name(),
			RequestType:  m.RequestType.String(),
			ResponseType: m.ResponseType.String(),
			ServerID:     s.serverID,
		}
		if _, ok := codec.(ArrowCodec); ok {
			if l, err := layoutFor(m.RequestType); err == nil {
				d.RequestSchemaIPC = serializeSchema(l.schema)
			}
			if l, err := layoutFor(m.ResponseType); err == nil {
				d.ResponseSchemaIPC = serializeSchema(l.schema)
			}
		}
		out = append(out, d)
	}
	return out
}

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

func deserializeSchema(data []byte) (*arrow.Schema, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Release()
	return r.Schema(), nil
}

// Describe calls the server's __describe__ method. onMsg receives one
// description per registered method, in name order.
func Describe(c *Client, ctx context.Context, onMsg func(MethodDescription), done func(*Status)) (Tag, error) {
	return invokeStream(c, ctx, DescribeMethod, ArrowCodec{}, describeRequest{}, onMsg, done)
}
