// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowCodec encodes values as single-row Arrow IPC streams.
//
// Structs map to one column per field annotated with a `cqrpc` struct tag:
//
//	`cqrpc:"wire_name[,default=VALUE][,int32][,float32]"`
//
// Pointer fields become nullable columns. Any other value is encoded as a
// single column named "result". Supported field types are string, the
// integer and float kinds, bool and []byte.
type ArrowCodec struct{}

func (ArrowCodec) Name() string { return "arrow" }

// tagInfo holds parsed information from a `cqrpc` struct tag.
type tagInfo struct {
	Name      string
	Default   *string // nil if no default
	ArrowType string  // explicit type override: "int32", "float32"
}

// parseTag parses a struct tag like "name", "name,default=foo" or "name,int32".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "default=") {
			val := strings.TrimPrefix(part, "default=")
			info.Default = &val
		} else {
			info.ArrowType = part
		}
	}
	return info
}

// codecField binds an Arrow column to a Go struct field.
type codecField struct {
	index int // struct field index, -1 for a scalar "result" column
	tag   tagInfo
	typ   reflect.Type
}

type codecLayout struct {
	schema *arrow.Schema
	fields []codecField
	scalar bool
}

var layoutCache sync.Map // reflect.Type -> *codecLayout

// SchemaOf returns the Arrow schema ArrowCodec uses for values of v's type.
func SchemaOf(v any) (*arrow.Schema, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("arrow codec: nil value has no schema")
	}
	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}
	return l.schema, nil
}

func layoutFor(t reflect.Type) (*codecLayout, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if l, ok := layoutCache.Load(t); ok {
		return l.(*codecLayout), nil
	}
	l, err := buildLayout(t)
	if err != nil {
		return nil, err
	}
	layoutCache.Store(t, l)
	return l, nil
}

func buildLayout(t reflect.Type) (*codecLayout, error) {
	if t.Kind() != reflect.Struct {
		dt, nullable, err := goTypeToArrowType(t, tagInfo{})
		if err != nil {
			return nil, fmt.Errorf("result type: %w", err)
		}
		return &codecLayout{
			schema: arrow.NewSchema([]arrow.Field{{Name: "result", Type: dt, Nullable: nullable}}, nil),
			fields: []codecField{{index: -1, typ: t, tag: tagInfo{Name: "result"}}},
			scalar: true,
		}, nil
	}
	var (
		arrowFields []arrow.Field
		fields      []codecField
	)
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("cqrpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)
		dt, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		arrowFields = append(arrowFields, arrow.Field{Name: info.Name, Type: dt, Nullable: nullable})
		fields = append(fields, codecField{index: i, tag: info, typ: f.Type})
	}
	return &codecLayout{schema: arrow.NewSchema(arrowFields, nil), fields: fields}, nil
}

// goTypeToArrowType maps a Go type to an Arrow DataType. Pointer types are
// nullable.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}
	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	}
	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
	}
	return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
}

// Marshal encodes v as a one-row IPC stream.
func (ArrowCodec) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, fmt.Errorf("arrow codec: cannot encode nil")
	}
	layout, err := layoutFor(rv.Type())
	if err != nil {
		return nil, fmt.Errorf("arrow codec: %w", err)
	}
	if !layout.scalar {
		for rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil, fmt.Errorf("arrow codec: cannot encode nil %v", rv.Type())
			}
			rv = rv.Elem()
		}
	}

	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, len(layout.fields))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i, f := range layout.fields {
		fv := rv
		if f.index >= 0 {
			fv = rv.Field(f.index)
		}
		arr, err := buildArray(mem, layout.schema.Field(i).Type, fv)
		if err != nil {
			return nil, fmt.Errorf("arrow codec: field %s: %w", f.tag.Name, err)
		}
		cols[i] = arr
	}

	batch := array.NewRecordBatch(layout.schema, cols, 1)
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(layout.schema))
	if err := w.Write(batch); err != nil {
		return nil, fmt.Errorf("arrow codec: writing batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("arrow codec: closing stream: %w", err)
	}
	return buf.Bytes(), nil
}

// buildArray creates a 1-element Arrow array from a Go value.
func buildArray(mem memory.Allocator, dt arrow.DataType, rv reflect.Value) (arrow.Array, error) {
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b := array.NewBuilder(mem, dt)
			defer b.Release()
			b.AppendNull()
			return b.NewArray(), nil
		}
		rv = rv.Elem()
	}
	switch dt.ID() {
	case arrow.STRING:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Append(rv.String())
		return b.NewArray(), nil
	case arrow.INT64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Append(rv.Int())
		return b.NewArray(), nil
	case arrow.INT32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.Append(int32(rv.Int()))
		return b.NewArray(), nil
	case arrow.FLOAT64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.Append(rv.Float())
		return b.NewArray(), nil
	case arrow.FLOAT32:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.Append(float32(rv.Float()))
		return b.NewArray(), nil
	case arrow.BOOL:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.Append(rv.Bool())
		return b.NewArray(), nil
	case arrow.BINARY:
		b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
		defer b.Release()
		b.Append(rv.Bytes())
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("unsupported Arrow type %v", dt)
	}
}

// Unmarshal decodes row 0 of the first batch in data into v.
func (ArrowCodec) Unmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("arrow codec: cannot decode into %T", v)
	}
	target := rv.Elem()
	for target.Kind() == reflect.Ptr {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		target = target.Elem()
	}
	layout, err := layoutFor(target.Type())
	if err != nil {
		return fmt.Errorf("arrow codec: %w", err)
	}

	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("arrow codec: reading stream: %w", err)
	}
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return fmt.Errorf("arrow codec: reading batch: %w", err)
		}
		return fmt.Errorf("arrow codec: empty stream")
	}
	batch := reader.RecordBatch()
	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		return fmt.Errorf("arrow codec: expected 1 row, got %d", batch.NumRows())
	}

	for _, f := range layout.fields {
		field := target
		if f.index >= 0 {
			field = target.Field(f.index)
		}
		colIdx := -1
		for ci := range batch.NumCols() {
			if batch.ColumnName(int(ci)) == f.tag.Name {
				colIdx = int(ci)
				break
			}
		}
		if colIdx == -1 || batch.Column(colIdx).IsNull(0) {
			if f.tag.Default != nil {
				if err := setFieldFromString(field, f.typ, *f.tag.Default); err != nil {
					return fmt.Errorf("arrow codec: default for %s: %w", f.tag.Name, err)
				}
			}
			continue
		}
		if err := setFieldFromArrow(field, f.typ, batch.Column(colIdx), 0); err != nil {
			return fmt.Errorf("arrow codec: field %s: %w", f.tag.Name, err)
		}
	}
	return nil
}

// setFieldFromArrow sets a field value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		if err := setFieldFromArrow(ptr.Elem(), fieldType.Elem(), col, idx); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	switch c := col.(type) {
	case *array.String:
		field.SetString(c.Value(idx))
	case *array.Int64:
		field.SetInt(c.Value(idx))
	case *array.Int32:
		field.SetInt(int64(c.Value(idx)))
	case *array.Float64:
		field.SetFloat(c.Value(idx))
	case *array.Float32:
		field.SetFloat(float64(c.Value(idx)))
	case *array.Boolean:
		field.SetBool(c.Value(idx))
	case *array.Binary:
		field.SetBytes(bytes.Clone(c.Value(idx)))
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

// setFieldFromString sets a field from a string default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		if err := setFieldFromString(ptr.Elem(), fieldType.Elem(), s); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float64, reflect.Float32:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}
