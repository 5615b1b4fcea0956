// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"fmt"
	"reflect"
)

// Value is a serialized, context-independent encoding of a script value.
//
// The zero Value is empty, and decodes to undefined. A Value is immutable
// once constructed, and is safe to share between goroutines.
type Value struct {
	data []byte
}

// IsEmpty reports whether the value holds no encoding at all.
func (v Value) IsEmpty() bool {
	return len(v.data) == 0
}

// Size returns the length of the encoding, in bytes.
func (v Value) Size() int {
	return len(v.data)
}

// String implements fmt.Stringer, for logging. It does not decode the value.
func (v Value) String() string {
	if v.IsEmpty() {
		return "transport.Value(empty)"
	}
	return fmt.Sprintf("transport.Value(%s, %d bytes)", kindOf(v.data), len(v.data))
}

// Equal reports whether both values hold byte-identical encodings.
func (v Value) Equal(other Value) bool {
	return string(v.data) == string(other.data)
}

// String encodes a Go string. It cannot fail, and is the usual way to build
// the source payload of an evaluate message.
func String(s string) Value {
	var e encoder
	e.str(s)
	return Value{data: e.buf}
}

// ExternalFunction is a stable reference to a callable exported by a thread.
//
// The (Index, Generation) pair addresses an entry in the owner's export
// table. A handle whose generation no longer matches the entry is inert:
// calls through it see a null function, never an error.
//
// ExternalFunction values are transferable, so a thread may hand its exports
// to others.
type ExternalFunction struct {
	// Generation is the export id stamped on the table entry. Zero is never
	// issued.
	Generation uint64
	// Owner identifies the thread whose export table holds the callable.
	Owner uint64
	// Receiver identifies the thread whose queue accepts calls. It is
	// normally the owner.
	Receiver uint64
	// Index is the slot in the owner's export table.
	Index uint32
}

// Valid reports whether the handle was issued by an export table.
func (f ExternalFunction) Valid() bool {
	return f.Generation != 0
}

// String implements fmt.Stringer.
func (f ExternalFunction) String() string {
	return fmt.Sprintf("ExternalFunction(owner=%d index=%d gen=%d)", f.Owner, f.Index, f.Generation)
}

var externalFunctionType = reflect.TypeOf((*ExternalFunction)(nil))
