// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// maxDateMillis is the largest magnitude of a valid script time value.
const maxDateMillis = 8_640_000_000_000_000

var plainObjectType = reflect.TypeOf(map[string]any(nil))

// Encode serializes a script value. The value must belong to a runtime that
// is not concurrently executing on another goroutine.
//
// A nil value encodes as undefined. Getters and proxy traps run as the value
// is read; if one throws, or the runtime is interrupted while it runs, the
// value is reported as not transferable.
func Encode(v goja.Value) (_ Value, err error) {
	var root encoder
	w := gojaWalker{enc: &root, seen: make(map[*goja.Object]struct{})}
	defer func() {
		if r := recover(); r != nil {
			err = w.recovered(r)
		}
	}()
	if err := w.value(v, 0); err != nil {
		return Value{}, err
	}
	return Value{data: root.buf}, nil
}

// Decode materializes v as a fresh value in rt. No part of the result is
// shared with any other runtime.
func Decode(rt *goja.Runtime, v Value) (goja.Value, error) {
	return decode[goja.Value](v, gojaBuilder{rt: rt})
}

// NewExternalFunction wraps a handle as a script value, which is how
// handles surface inside a runtime.
func NewExternalFunction(rt *goja.Runtime, f ExternalFunction) goja.Value {
	return rt.ToValue(&f)
}

// AsExternalFunction extracts the handle from a value produced by
// [NewExternalFunction] or [Decode].
func AsExternalFunction(v goja.Value) (ExternalFunction, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ExportType() != externalFunctionType {
		return ExternalFunction{}, false
	}
	f, ok := obj.Export().(*ExternalFunction)
	if !ok || f == nil {
		return ExternalFunction{}, false
	}
	return *f, true
}

type gojaWalker struct {
	enc  *encoder
	seen map[*goja.Object]struct{}
	path path
}

// swap directs output to enc, returning a func that restores the previous
// target.
func (w *gojaWalker) swap(enc *encoder) func() {
	prev := w.enc
	w.enc = enc
	return func() { w.enc = prev }
}

func (w *gojaWalker) fail(format string, args ...any) error {
	return w.path.fail("encode", ErrNotTransferable, format, args...)
}

// recovered converts a panic raised by script code during the walk, re-panicking
// anything else.
func (w *gojaWalker) recovered(r any) error {
	switch x := r.(type) {
	case *goja.Exception:
		return w.path.fail("encode", fmt.Errorf("%w: %w", ErrNotTransferable, x), "script exception while reading value: %s", x.Value())
	case *goja.InterruptedError:
		return w.path.fail("encode", fmt.Errorf("%w: %w", ErrNotTransferable, x), "interrupted while reading value")
	default:
		panic(r)
	}
}

func (w *gojaWalker) value(v goja.Value, depth int) error {
	if v == nil || goja.IsUndefined(v) {
		w.enc.undefined()
		return nil
	}
	if goja.IsNull(v) {
		w.enc.null()
		return nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return w.fail("symbol")
	}
	if obj, ok := v.(*goja.Object); ok {
		return w.object(obj, depth)
	}

	switch x := v.Export().(type) {
	case bool:
		w.enc.boolean(x)
	case int64:
		w.enc.integer(x)
	case float64:
		w.enc.float(x)
	case string:
		w.enc.str(x)
	case *big.Int:
		w.enc.bigint(x)
	default:
		return w.fail("unsupported primitive %T", x)
	}
	return nil
}

func (w *gojaWalker) object(obj *goja.Object, depth int) error {
	if depth >= maxDepth {
		return w.fail("nesting exceeds %d levels", maxDepth)
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return w.fail("function")
	}
	if _, ok := w.seen[obj]; ok {
		return w.fail("cyclic reference")
	}
	w.seen[obj] = struct{}{}
	defer delete(w.seen, obj)

	switch class := obj.ClassName(); class {
	case "Array":
		return w.enc.nested(kindArray, func(child *encoder) error {
			defer w.swap(child)()
			n := obj.Get("length").ToInteger()
			if n > maxElements {
				return w.fail("array length %d exceeds %d", n, maxElements)
			}
			for i := 0; i < int(n); i++ {
				w.path.pushIndex(i)
				err := w.value(obj.Get(strconv.Itoa(i)), depth+1)
				w.path.pop()
				if err != nil {
					return err
				}
			}
			return nil
		})

	case "Date":
		t, ok := obj.Export().(time.Time)
		if !ok {
			return w.fail("invalid date")
		}
		w.enc.date(t.UnixMilli())
		return nil

	case "ArrayBuffer":
		ab, ok := obj.Export().(goja.ArrayBuffer)
		if !ok {
			return w.fail("detached ArrayBuffer")
		}
		w.enc.bytes(ab.Bytes())
		return nil

	case "Error":
		w.enc.errorValue(propString(obj, "name"), propString(obj, "message"))
		return nil

	case "Object":
		switch obj.ExportType() {
		case plainObjectType:
			return w.plain(obj, depth)
		case externalFunctionType:
			f, _ := AsExternalFunction(obj)
			if !f.Valid() {
				return w.fail("invalid external function handle")
			}
			w.enc.function(f)
			return nil
		default:
			return w.fail("host object %s", obj.ExportType())
		}

	default:
		return w.fail("%s object", class)
	}
}

func (w *gojaWalker) plain(obj *goja.Object, depth int) error {
	return w.enc.nested(kindObject, func(child *encoder) error {
		defer w.swap(child)()
		keys := obj.Keys()
		if len(keys) > maxElements {
			return w.fail("object has %d properties, exceeds %d", len(keys), maxElements)
		}
		for _, key := range keys {
			w.path.pushKey(key)
			err := w.enc.entry(key, func(entry *encoder) error {
				defer w.swap(entry)()
				return w.value(obj.Get(key), depth+1)
			})
			w.path.pop()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func propString(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// errorConstructors are the builtin constructors used to rebuild errors
// with their original prototype.
var errorConstructors = map[string]struct{}{
	"Error":          {},
	"TypeError":      {},
	"RangeError":     {},
	"SyntaxError":    {},
	"ReferenceError": {},
	"EvalError":      {},
	"URIError":       {},
}

type gojaBuilder struct {
	rt *goja.Runtime
}

func (b gojaBuilder) undefined() goja.Value { return goja.Undefined() }

func (b gojaBuilder) null() goja.Value { return goja.Null() }

func (b gojaBuilder) boolean(v bool) goja.Value { return b.rt.ToValue(v) }

func (b gojaBuilder) integer(v int64) goja.Value { return b.rt.ToValue(v) }

func (b gojaBuilder) float(v float64) goja.Value { return b.rt.ToValue(v) }

func (b gojaBuilder) str(v string) goja.Value { return b.rt.ToValue(v) }

func (b gojaBuilder) bigint(v *big.Int) goja.Value { return b.rt.ToValue(v) }

func (b gojaBuilder) date(unixMilli int64) (goja.Value, error) {
	if unixMilli > maxDateMillis || unixMilli < -maxDateMillis {
		return nil, &SerializeError{Cause: ErrCorrupt, Op: "decode", Reason: fmt.Sprintf("date %d out of range", unixMilli)}
	}
	obj, err := b.rt.New(b.rt.Get("Date"), b.rt.ToValue(float64(unixMilli)))
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (b gojaBuilder) bytes(v []byte) goja.Value {
	return b.rt.ToValue(b.rt.NewArrayBuffer(v))
}

func (b gojaBuilder) errorValue(name, message string) (goja.Value, error) {
	ctorName := "Error"
	if _, ok := errorConstructors[name]; ok {
		ctorName = name
	}
	obj, err := b.rt.New(b.rt.Get(ctorName), b.rt.ToValue(message))
	if err != nil {
		return nil, err
	}
	if name != "" && name != ctorName {
		if err := obj.Set("name", name); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (b gojaBuilder) function(f ExternalFunction) goja.Value {
	return NewExternalFunction(b.rt, f)
}

func (b gojaBuilder) array(elems []goja.Value) goja.Value {
	items := make([]any, len(elems))
	for i, e := range elems {
		items[i] = e
	}
	return b.rt.NewArray(items...)
}

func (b gojaBuilder) object(keys []string, values []goja.Value) (goja.Value, error) {
	obj := b.rt.NewObject()
	for i, key := range keys {
		// defined rather than assigned, so keys such as __proto__ stay own
		// data properties
		if err := obj.DefineDataProperty(key, values[i], goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	return obj, nil
}
