// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"grpc status", status.Error(codes.NotFound, "x"), codes.NotFound},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"exhausted", ErrResourceExhausted, codes.ResourceExhausted},
		{"unknown method", ErrUnknownMethod, codes.Unimplemented},
		{"closed", fmt.Errorf("dial: %w", ErrTransportClosed), codes.Unavailable},
		{"version", &RpcError{Type: "VersionError"}, codes.InvalidArgument},
		{"attribute", &RpcError{Type: "AttributeError"}, codes.Unimplemented},
		{"serialization", &RpcError{Type: "SerializationError"}, codes.Internal},
		{"plain", errors.New("oops"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromError(tt.err).Code)
		})
	}
}

func TestStatusErrRoundTrip(t *testing.T) {
	st := NewStatus(codes.PermissionDenied, "no access to %s", "greeter")
	assert.Equal(t, "PermissionDenied: no access to greeter", st.String())
	assert.Equal(t, st, StatusFromError(st.Err()))
	assert.NoError(t, StatusOK.Err())
	assert.Equal(t, "OK", StatusOK.String())
}

func TestStatusFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, codes.Canceled, statusFromContext(ctx).Code)

	ctx, cancel = context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	assert.Equal(t, codes.DeadlineExceeded, statusFromContext(ctx).Code)
}

func TestRpcErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RpcError{Type: "ProtocolError", Message: "bad"})
	assert.ErrorIs(t, err, ErrRpc)
	assert.Equal(t, "ProtocolError: bad", (&RpcError{Type: "ProtocolError", Message: "bad"}).Error())
	assert.NotErrorIs(t, errors.New("other"), ErrRpc)
}
