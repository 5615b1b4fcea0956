// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"errors"
	"math"
	"math/big"
	"slices"
	"time"
)

// Marshal encodes a Go value.
//
// Supported types: nil (null), [Undefined], bool, all integer types, float32
// and float64, string, *big.Int, time.Time, []byte, *[Error], [ExternalFunction],
// []any, and map[string]any. Map entries are encoded in sorted key order, so
// equal maps always produce equal encodings. Any other type fails with
// [ErrNotTransferable].
func Marshal(v any) (Value, error) {
	m := goMarshaler{enc: &encoder{}}
	if err := m.value(v, 0); err != nil {
		return Value{}, err
	}
	return Value{data: m.enc.buf}, nil
}

// MustMarshal is like [Marshal] but panics on error. It is intended for
// constant payloads in tests and examples.
func MustMarshal(v any) Value {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Unmarshal decodes a value into its Go representation. See [Marshal] for
// the mapping; numbers decode as int64 when they were integers at the point
// of encoding and float64 otherwise, and null decodes to nil.
func Unmarshal(v Value) (any, error) {
	return decode[any](v, goBuilder{})
}

type goMarshaler struct {
	enc  *encoder
	path path
}

func (m *goMarshaler) fail(format string, args ...any) error {
	return m.path.fail("encode", ErrNotTransferable, format, args...)
}

func (m *goMarshaler) value(v any, depth int) error {
	if depth > maxDepth {
		return m.fail("nesting exceeds %d levels", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		m.enc.null()
	case Undefined:
		m.enc.undefined()
	case bool:
		m.enc.boolean(x)
	case int:
		m.enc.integer(int64(x))
	case int8:
		m.enc.integer(int64(x))
	case int16:
		m.enc.integer(int64(x))
	case int32:
		m.enc.integer(int64(x))
	case int64:
		m.enc.integer(x)
	case uint:
		return m.unsigned(uint64(x))
	case uint8:
		m.enc.integer(int64(x))
	case uint16:
		m.enc.integer(int64(x))
	case uint32:
		m.enc.integer(int64(x))
	case uint64:
		return m.unsigned(x)
	case float32:
		m.enc.float(float64(x))
	case float64:
		m.enc.float(x)
	case string:
		m.enc.str(x)
	case *big.Int:
		if x == nil {
			m.enc.null()
		} else {
			m.enc.bigint(x)
		}
	case time.Time:
		m.enc.date(x.UnixMilli())
	case []byte:
		m.enc.bytes(x)
	case *Error:
		if x == nil {
			m.enc.null()
		} else {
			m.enc.errorValue(x.Name, x.Message)
		}
	case ExternalFunction:
		if !x.Valid() {
			return m.fail("invalid external function handle")
		}
		m.enc.function(x)
	case []any:
		return m.enc.nested(kindArray, func(child *encoder) error {
			defer m.swap(child)()
			for i, elem := range x {
				m.path.pushIndex(i)
				err := m.value(elem, depth+1)
				m.path.pop()
				if err != nil {
					return err
				}
			}
			return nil
		})
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return m.enc.nested(kindObject, func(child *encoder) error {
			defer m.swap(child)()
			for _, k := range keys {
				m.path.pushKey(k)
				err := m.enc.entry(k, func(entry *encoder) error {
					defer m.swap(entry)()
					return m.value(x[k], depth+1)
				})
				m.path.pop()
				if err != nil {
					return err
				}
			}
			return nil
		})
	case error:
		return m.value(&Error{Name: "Error", Message: x.Error()}, depth)
	default:
		return m.fail("unsupported Go type %T", v)
	}
	return nil
}

func (m *goMarshaler) unsigned(v uint64) error {
	if v > math.MaxInt64 {
		m.enc.bigint(new(big.Int).SetUint64(v))
		return nil
	}
	m.enc.integer(int64(v))
	return nil
}

func (m *goMarshaler) swap(enc *encoder) func() {
	prev := m.enc
	m.enc = enc
	return func() { m.enc = prev }
}

type goBuilder struct{}

func (goBuilder) undefined() any { return Undefined{} }

func (goBuilder) null() any { return nil }

func (goBuilder) boolean(v bool) any { return v }

func (goBuilder) integer(v int64) any { return v }

func (goBuilder) float(v float64) any { return v }

func (goBuilder) str(v string) any { return v }

func (goBuilder) bigint(v *big.Int) any { return v }

func (goBuilder) date(unixMilli int64) (any, error) {
	return time.UnixMilli(unixMilli).UTC(), nil
}

func (goBuilder) bytes(v []byte) any { return v }

func (goBuilder) errorValue(name, message string) (any, error) {
	return &Error{Name: name, Message: message}, nil
}

func (goBuilder) function(f ExternalFunction) any { return f }

func (goBuilder) array(elems []any) any {
	if elems == nil {
		return []any{}
	}
	return elems
}

func (goBuilder) object(keys []string, values []any) (any, error) {
	out := make(map[string]any, len(keys))
	for i, k := range keys {
		if _, ok := out[k]; ok {
			return nil, &SerializeError{Cause: ErrCorrupt, Op: "decode", Reason: "duplicate key " + k}
		}
		out[k] = values[i]
	}
	return out, nil
}

// IsNotTransferable reports whether err is (or wraps) a failure to encode
// a value that cannot cross the boundary.
func IsNotTransferable(err error) bool {
	return errors.Is(err, ErrNotTransferable)
}
