// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Codec encodes request and response values to payload bytes. Transports
// only ever see payloads; the codec is applied inside call transitions.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a non-nil pointer.
	Unmarshal(data []byte, v any) error
}

// ProtoCodec encodes [proto.Message] values.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

// Unmarshal accepts either a proto.Message or a pointer to a proto.Message
// pointer, which is allocated when nil.
func (ProtoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("proto codec: cannot decode into %T", v)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Ptr {
		return fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	m, ok := elem.Interface().(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T is not a proto.Message", elem.Interface())
	}
	return proto.Unmarshal(data, m)
}

// decodeAs decodes data into a new value of type T.
func decodeAs[T any](codec Codec, data []byte) (T, error) {
	var v T
	err := codec.Unmarshal(data, &v)
	return v, err
}
