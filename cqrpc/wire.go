// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
)

// Connection prefaces. The client sends one before its request stream; the
// server answers in the same mode.
const (
	magicPlain = "CQR1"
	magicZstd  = "CQRZ"
)

// payloadSchema is the schema of every IPC stream on the wire: one opaque
// payload per row, encoded by the call's codec.
var payloadSchema = arrow.NewSchema([]arrow.Field{
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

// Request represents a parsed call request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	TimeoutMs int64
	Payload   []byte
	Metadata  map[string]string
}

// WriteRequest writes a complete IPC stream holding one request batch.
// Entries of req.Metadata are sent as extra custom metadata; keys in the
// reserved "cqrpc." namespace are skipped.
func WriteRequest(w io.Writer, req *Request) error {
	keys := []string{MetaFrame, MetaMethod, MetaRequestVersion}
	vals := []string{FrameRequest, req.Method, ProtocolVersion}
	if req.RequestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, req.RequestID)
	}
	if req.TimeoutMs > 0 {
		keys = append(keys, MetaTimeoutMs)
		vals = append(vals, strconv.FormatInt(req.TimeoutMs, 10))
	}
	for _, k := range slices.Sorted(maps.Keys(req.Metadata)) {
		if strings.HasPrefix(k, reservedMetaPrefix) {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, req.Metadata[k])
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(payloadSchema))
	if err := writePayloadBatch(writer, req.Payload, arrow.NewMetadata(keys, vals)); err != nil {
		writer.Close()
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// ReadRequest reads one complete IPC stream from r and extracts the method
// name, version and payload from its first batch.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, io.EOF
	}
	batch := reader.RecordBatch()
	meta := batchMetadata(batch)

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: "Missing '" + MetaMethod + "' in request batch custom_metadata",
		}
	}
	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		return nil, &RpcError{
			Type:    "VersionError",
			Message: "Missing '" + MetaRequestVersion + "' in request batch custom_metadata",
		}
	}
	requestID, _ := meta.GetValue(MetaRequestID)
	if version != ProtocolVersion {
		return nil, &RpcError{
			Type:      "VersionError",
			Message:   fmt.Sprintf("Unsupported request version %q, expected %q", version, ProtocolVersion),
			RequestID: requestID,
		}
	}
	if batch.NumRows() != 1 || batch.Schema().NumFields() != 1 {
		return nil, &RpcError{
			Type:      "ProtocolError",
			Message:   fmt.Sprintf("Expected 1 payload row in request batch, got %d", batch.NumRows()),
			RequestID: requestID,
		}
	}
	payload, err := batchPayload(batch)
	if err != nil {
		return nil, &RpcError{Type: "ProtocolError", Message: err.Error(), RequestID: requestID}
	}

	var timeoutMs int64
	if v, ok := meta.GetValue(MetaTimeoutMs); ok {
		if timeoutMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, &RpcError{
				Type:      "ProtocolError",
				Message:   fmt.Sprintf("Invalid '%s' value %q", MetaTimeoutMs, v),
				RequestID: requestID,
			}
		}
	}

	// Drain remaining batches (read to EOS)
	for reader.Next() {
	}

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}
	return &Request{
		Method:    method,
		Version:   version,
		RequestID: requestID,
		TimeoutMs: timeoutMs,
		Payload:   payload,
		Metadata:  metaMap,
	}, nil
}

func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// batchPayload copies the payload of row 0 out of batch.
func batchPayload(batch arrow.RecordBatch) ([]byte, error) {
	col, ok := batch.Column(0).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("payload column has type %v, expected binary", batch.Column(0).DataType())
	}
	return bytes.Clone(col.Value(0)), nil
}

// writePayloadBatch writes a one-row batch carrying payload.
func writePayloadBatch(w *ipc.Writer, payload []byte, meta arrow.Metadata) error {
	mem := memory.NewGoAllocator()
	b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer b.Release()
	b.Append(payload)
	col := b.NewArray()
	defer col.Release()

	batch := array.NewRecordBatchWithMetadata(payloadSchema, []arrow.Array{col}, 1, meta)
	defer batch.Release()
	return w.Write(batch)
}

// writeStatusBatch writes the zero-row batch that ends a response stream.
func writeStatusBatch(w *ipc.Writer, st Status, serverID, requestID string) error {
	keys := []string{MetaFrame, MetaStatusCode, MetaStatusMessage}
	vals := []string{FrameStatus, strconv.Itoa(int(st.Code)), st.Message}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	batch := emptyBatch(payloadSchema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(payloadSchema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer batchWithMeta.Release()
	return w.Write(batchWithMeta)
}

// WriteStatusResponse writes a complete IPC stream holding only a status
// batch. Used for calls rejected before reaching a handler.
func WriteStatusResponse(w io.Writer, st Status, serverID, requestID string) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(payloadSchema))
	if err := writeStatusBatch(writer, st, serverID, requestID); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// Frame is one decoded batch of a response stream.
type Frame struct {
	Kind     string // FrameMessage, FrameReply or FrameStatus
	Payload  []byte
	Status   Status // set for FrameStatus
	ServerID string
}

// readFrame decodes the current batch of a response reader.
func readFrame(batch arrow.RecordBatch) (Frame, error) {
	meta := batchMetadata(batch)
	kind, ok := meta.GetValue(MetaFrame)
	if !ok {
		return Frame{}, &RpcError{Type: "ProtocolError", Message: "Missing '" + MetaFrame + "' in response batch"}
	}
	f := Frame{Kind: kind}
	f.ServerID, _ = meta.GetValue(MetaServerID)
	switch kind {
	case FrameMessage, FrameReply:
		if batch.NumRows() != 1 {
			return Frame{}, &RpcError{
				Type:    "ProtocolError",
				Message: fmt.Sprintf("Expected 1 payload row in %s batch, got %d", kind, batch.NumRows()),
			}
		}
		payload, err := batchPayload(batch)
		if err != nil {
			return Frame{}, &RpcError{Type: "ProtocolError", Message: err.Error()}
		}
		f.Payload = payload
	case FrameStatus:
		codeStr, _ := meta.GetValue(MetaStatusCode)
		code, err := strconv.Atoi(codeStr)
		if err != nil {
			return Frame{}, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("Invalid status code %q", codeStr)}
		}
		msg, _ := meta.GetValue(MetaStatusMessage)
		f.Status = Status{Code: codes.Code(code), Message: msg}
	default:
		return Frame{}, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("Unknown frame kind %q", kind)}
	}
	return f, nil
}
