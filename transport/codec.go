// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tags, used as protobuf field numbers. Values are part of the wire
// format and must never be renumbered.
const (
	kindUndefined protowire.Number = 1  // varint, always 0
	kindNull      protowire.Number = 2  // varint, always 0
	kindBool      protowire.Number = 3  // varint
	kindInt       protowire.Number = 4  // varint, zigzag
	kindFloat     protowire.Number = 5  // fixed64, IEEE 754 bits
	kindString    protowire.Number = 6  // bytes, UTF-8
	kindBigInt    protowire.Number = 7  // bytes, base 10 text
	kindArray     protowire.Number = 8  // bytes, concatenated elements
	kindObject    protowire.Number = 9  // bytes, repeated entry (field 1)
	kindFunction  protowire.Number = 10 // bytes, external function fields
	kindDate      protowire.Number = 11 // varint, zigzag unix millis
	kindBytes     protowire.Number = 12 // bytes, raw
	kindError     protowire.Number = 13 // bytes, name (1) + message (2)
)

// maxDepth bounds the nesting of arrays and objects, in both directions.
const maxDepth = 64

// maxElements bounds the length of a single array, or the property count of a
// single object, accepted for encoding.
const maxElements = 1 << 20

var kindNames = map[protowire.Number]string{
	kindUndefined: "undefined",
	kindNull:      "null",
	kindBool:      "boolean",
	kindInt:       "integer",
	kindFloat:     "number",
	kindString:    "string",
	kindBigInt:    "bigint",
	kindArray:     "array",
	kindObject:    "object",
	kindFunction:  "external function",
	kindDate:      "date",
	kindBytes:     "arraybuffer",
	kindError:     "error",
}

func kindOf(data []byte) string {
	num, _, n := protowire.ConsumeTag(data)
	if n < 0 {
		return "corrupt"
	}
	if name, ok := kindNames[num]; ok {
		return name
	}
	return "unknown"
}

// path tracks the location of the element being processed, for errors.
type path []string

func (p path) String() string {
	return "$" + strings.Join(p, "")
}

func (p *path) pushIndex(i int) {
	*p = append(*p, "["+strconv.Itoa(i)+"]")
}

func (p *path) pushKey(key string) {
	if isIdentifier(key) {
		*p = append(*p, "."+key)
	} else {
		*p = append(*p, "["+strconv.Quote(key)+"]")
	}
}

func (p *path) pop() {
	*p = (*p)[:len(*p)-1]
}

func (p path) fail(op string, cause error, format string, args ...any) error {
	return &SerializeError{
		Cause:  cause,
		Op:     op,
		Path:   p.String(),
		Reason: fmt.Sprintf(format, args...),
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// encoder appends exactly one field per encoded value.
type encoder struct {
	buf []byte
}

func (e *encoder) marker(num protowire.Number) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 0)
}

func (e *encoder) undefined() { e.marker(kindUndefined) }

func (e *encoder) null() { e.marker(kindNull) }

func (e *encoder) boolean(v bool) {
	e.buf = protowire.AppendTag(e.buf, kindBool, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

func (e *encoder) integer(v int64) {
	e.buf = protowire.AppendTag(e.buf, kindInt, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *encoder) float(v float64) {
	e.buf = protowire.AppendTag(e.buf, kindFloat, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
}

func (e *encoder) str(v string) {
	e.buf = protowire.AppendTag(e.buf, kindString, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *encoder) bigint(v *big.Int) {
	e.buf = protowire.AppendTag(e.buf, kindBigInt, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v.Text(10))
}

func (e *encoder) date(unixMilli int64) {
	e.buf = protowire.AppendTag(e.buf, kindDate, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(unixMilli))
}

func (e *encoder) bytes(v []byte) {
	e.buf = protowire.AppendTag(e.buf, kindBytes, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *encoder) errorValue(name, message string) {
	var child []byte
	child = protowire.AppendTag(child, 1, protowire.BytesType)
	child = protowire.AppendString(child, name)
	child = protowire.AppendTag(child, 2, protowire.BytesType)
	child = protowire.AppendString(child, message)
	e.buf = protowire.AppendTag(e.buf, kindError, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, child)
}

func (e *encoder) function(f ExternalFunction) {
	var child []byte
	child = protowire.AppendTag(child, 1, protowire.VarintType)
	child = protowire.AppendVarint(child, uint64(f.Index))
	child = protowire.AppendTag(child, 2, protowire.VarintType)
	child = protowire.AppendVarint(child, f.Generation)
	child = protowire.AppendTag(child, 3, protowire.VarintType)
	child = protowire.AppendVarint(child, f.Owner)
	child = protowire.AppendTag(child, 4, protowire.VarintType)
	child = protowire.AppendVarint(child, f.Receiver)
	e.buf = protowire.AppendTag(e.buf, kindFunction, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, child)
}

// nested encodes a length-delimited container, the contents of which are
// written by fn into a fresh encoder.
func (e *encoder) nested(num protowire.Number, fn func(child *encoder) error) error {
	var child encoder
	if err := fn(&child); err != nil {
		return err
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, child.buf)
	return nil
}

// entry encodes one object property, inside an object container.
func (e *encoder) entry(key string, value func(child *encoder) error) error {
	return e.nested(1, func(child *encoder) error {
		child.buf = protowire.AppendTag(child.buf, 1, protowire.BytesType)
		child.buf = protowire.AppendString(child.buf, key)
		return value(child)
	})
}

// builder constructs decoded values of some representation T.
type builder[T any] interface {
	undefined() T
	null() T
	boolean(v bool) T
	integer(v int64) T
	float(v float64) T
	str(v string) T
	bigint(v *big.Int) T
	date(unixMilli int64) (T, error)
	bytes(v []byte) T
	errorValue(name, message string) (T, error)
	function(f ExternalFunction) T
	array(elems []T) T
	object(keys []string, values []T) (T, error)
}

type decoder[T any] struct {
	b    builder[T]
	path path
}

func decode[T any](v Value, b builder[T]) (T, error) {
	if v.IsEmpty() {
		return b.undefined(), nil
	}
	d := decoder[T]{b: b}
	out, n, err := d.node(v.data, 0)
	if err != nil {
		var zero T
		return zero, err
	}
	if n != len(v.data) {
		var zero T
		return zero, d.path.fail("decode", ErrCorrupt, "%d trailing bytes", len(v.data)-n)
	}
	return out, nil
}

func (d *decoder[T]) corrupt(format string, args ...any) error {
	return d.path.fail("decode", ErrCorrupt, format, args...)
}

// node decodes the single field at the start of data, returning the number
// of bytes consumed.
func (d *decoder[T]) node(data []byte, depth int) (out T, consumed int, err error) {
	if depth > maxDepth {
		return out, 0, d.corrupt("nesting exceeds %d levels", maxDepth)
	}

	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return out, 0, d.corrupt("bad tag: %v", protowire.ParseError(n))
	}
	consumed = n
	data = data[n:]

	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return out, 0, d.corrupt("bad varint: %v", protowire.ParseError(n))
		}
		consumed += n
		switch num {
		case kindUndefined:
			out = d.b.undefined()
		case kindNull:
			out = d.b.null()
		case kindBool:
			out = d.b.boolean(protowire.DecodeBool(v))
		case kindInt:
			out = d.b.integer(protowire.DecodeZigZag(v))
		case kindDate:
			out, err = d.b.date(protowire.DecodeZigZag(v))
		default:
			return out, 0, d.corrupt("unexpected varint field %d", num)
		}

	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return out, 0, d.corrupt("bad fixed64: %v", protowire.ParseError(n))
		}
		consumed += n
		if num != kindFloat {
			return out, 0, d.corrupt("unexpected fixed64 field %d", num)
		}
		out = d.b.float(math.Float64frombits(v))

	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out, 0, d.corrupt("bad length-delimited field: %v", protowire.ParseError(n))
		}
		consumed += n
		switch num {
		case kindString:
			out = d.b.str(string(v))
		case kindBigInt:
			i, ok := new(big.Int).SetString(string(v), 10)
			if !ok {
				return out, 0, d.corrupt("bad bigint %q", v)
			}
			out = d.b.bigint(i)
		case kindBytes:
			out = d.b.bytes(append([]byte(nil), v...))
		case kindArray:
			out, err = d.array(v, depth)
		case kindObject:
			out, err = d.object(v, depth)
		case kindFunction:
			var f ExternalFunction
			f, err = d.function(v)
			if err == nil {
				out = d.b.function(f)
			}
		case kindError:
			var name, message string
			name, message, err = d.errorFields(v)
			if err == nil {
				out, err = d.b.errorValue(name, message)
			}
		default:
			return out, 0, d.corrupt("unexpected length-delimited field %d", num)
		}

	default:
		return out, 0, d.corrupt("unsupported wire type %d", typ)
	}

	return out, consumed, err
}

func (d *decoder[T]) array(data []byte, depth int) (T, error) {
	var elems []T
	for len(data) > 0 {
		d.path.pushIndex(len(elems))
		elem, n, err := d.node(data, depth+1)
		d.path.pop()
		if err != nil {
			var zero T
			return zero, err
		}
		elems = append(elems, elem)
		data = data[n:]
	}
	return d.b.array(elems), nil
}

func (d *decoder[T]) object(data []byte, depth int) (T, error) {
	var (
		zero   T
		keys   []string
		values []T
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || num != 1 || typ != protowire.BytesType {
			return zero, d.corrupt("bad object entry")
		}
		data = data[n:]
		entry, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return zero, d.corrupt("bad object entry: %v", protowire.ParseError(n))
		}
		data = data[n:]

		num, typ, n = protowire.ConsumeTag(entry)
		if n < 0 || num != 1 || typ != protowire.BytesType {
			return zero, d.corrupt("bad object key")
		}
		entry = entry[n:]
		key, n := protowire.ConsumeString(entry)
		if n < 0 {
			return zero, d.corrupt("bad object key: %v", protowire.ParseError(n))
		}
		entry = entry[n:]

		d.path.pushKey(key)
		value, n, err := d.node(entry, depth+1)
		d.path.pop()
		if err != nil {
			return zero, err
		}
		if n != len(entry) {
			return zero, d.corrupt("trailing bytes in object entry %q", key)
		}
		keys = append(keys, key)
		values = append(values, value)
	}
	return d.b.object(keys, values)
}

func (d *decoder[T]) function(data []byte) (f ExternalFunction, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.VarintType {
			return f, d.corrupt("bad external function field")
		}
		data = data[n:]
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return f, d.corrupt("bad external function field: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			if v > math.MaxUint32 {
				return f, d.corrupt("external function index %d out of range", v)
			}
			f.Index = uint32(v)
		case 2:
			f.Generation = v
		case 3:
			f.Owner = v
		case 4:
			f.Receiver = v
		default:
			return f, d.corrupt("unexpected external function field %d", num)
		}
	}
	if !f.Valid() {
		return f, d.corrupt("external function without generation")
	}
	return f, nil
}

func (d *decoder[T]) errorFields(data []byte) (name, message string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return "", "", d.corrupt("bad error field")
		}
		data = data[n:]
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", d.corrupt("bad error field: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			name = v
		case 2:
			message = v
		default:
			return "", "", d.corrupt("unexpected error field %d", num)
		}
	}
	return name, message, nil
}
