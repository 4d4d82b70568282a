// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"bytes"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{
		Method:    "SayHello",
		RequestID: "req-1",
		TimeoutMs: 1500,
		Payload:   []byte("payload"),
	}))

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "SayHello", req.Method)
	assert.Equal(t, ProtocolVersion, req.Version)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, int64(1500), req.TimeoutMs)
	assert.Equal(t, []byte("payload"), req.Payload)
	assert.Equal(t, FrameRequest, req.Metadata[MetaFrame])
}

func TestRequestCarriesExtraMetadata(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{
		Method: "SayHello",
		Metadata: map[string]string{
			"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			"tenant":      "blue",
			MetaMethod:    "Spoofed",
		},
	}))

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "SayHello", req.Method)
	assert.Equal(t, "SayHello", req.Metadata[MetaMethod])
	assert.Equal(t, "blue", req.Metadata["tenant"])
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", req.Metadata["traceparent"])
}

// writeRawRequest writes a request stream with arbitrary metadata.
func writeRawRequest(t *testing.T, keys, vals []string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(payloadSchema))
	require.NoError(t, writePayloadBatch(w, []byte("x"), arrow.NewMetadata(keys, vals)))
	require.NoError(t, w.Close())
	return &buf
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		keys     []string
		vals     []string
		wantType string
	}{
		{"missing method", []string{MetaRequestVersion}, []string{ProtocolVersion}, "ProtocolError"},
		{"missing version", []string{MetaMethod}, []string{"m"}, "VersionError"},
		{"wrong version", []string{MetaMethod, MetaRequestVersion}, []string{"m", "99"}, "VersionError"},
		{"bad timeout", []string{MetaMethod, MetaRequestVersion, MetaTimeoutMs}, []string{"m", ProtocolVersion, "soon"}, "ProtocolError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequest(writeRawRequest(t, tt.keys, tt.vals))
			var rpcErr *RpcError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.wantType, rpcErr.Type)
			assert.Equal(t, codes.InvalidArgument, StatusFromError(err).Code)
		})
	}
}

func TestReadRequestKeepsRequestID(t *testing.T) {
	buf := writeRawRequest(t,
		[]string{MetaMethod, MetaRequestVersion, MetaRequestID},
		[]string{"m", "0", "abc"})
	_, err := ReadRequest(buf)
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "abc", rpcErr.RequestID)
}

func TestReadRequestEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(payloadSchema))
	require.NoError(t, w.Close())
	_, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func readFrames(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	reader, err := ipc.NewReader(r)
	require.NoError(t, err)
	defer reader.Release()
	var frames []Frame
	for reader.Next() {
		f, err := readFrame(reader.RecordBatch())
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.NoError(t, reader.Err())
	return frames
}

func TestResponseFrames(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(payloadSchema))
	require.NoError(t, writePayloadBatch(w, []byte("one"), arrow.NewMetadata([]string{MetaFrame}, []string{FrameMessage})))
	require.NoError(t, writePayloadBatch(w, []byte("two"), arrow.NewMetadata([]string{MetaFrame}, []string{FrameMessage})))
	require.NoError(t, writeStatusBatch(w, NewStatus(codes.NotFound, "gone"), "srv-1", "req-9"))
	require.NoError(t, w.Close())

	frames := readFrames(t, &buf)
	require.Len(t, frames, 3)
	assert.Equal(t, Frame{Kind: FrameMessage, Payload: []byte("one")}, frames[0])
	assert.Equal(t, Frame{Kind: FrameMessage, Payload: []byte("two")}, frames[1])
	assert.Equal(t, FrameStatus, frames[2].Kind)
	assert.Equal(t, NewStatus(codes.NotFound, "gone"), frames[2].Status)
	assert.Equal(t, "srv-1", frames[2].ServerID)
}

func TestWriteStatusResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatusResponse(&buf, unimplemented("Nope"), "srv", ""))
	frames := readFrames(t, &buf)
	require.Len(t, frames, 1)
	assert.Equal(t, codes.Unimplemented, frames[0].Status.Code)
	assert.Equal(t, `cqrpc: unknown method "Nope"`, frames[0].Status.Message)
	assert.Equal(t, "srv", frames[0].ServerID)
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(payloadSchema))
	require.NoError(t, writePayloadBatch(w, nil, arrow.NewMetadata([]string{MetaFrame}, []string{"mystery"})))
	require.NoError(t, w.Close())

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	_, err = readFrame(reader.RecordBatch())
	assert.ErrorIs(t, err, ErrRpc)
}
