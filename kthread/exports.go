// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"github.com/alkhe/runtime/transport"
	"github.com/dop251/goja"
)

// ExportTable holds the callables a thread has made addressable by other
// threads.
//
// Every entry is stamped with a generation, taken from a counter that only
// ever increases. A handle only resolves while its generation matches the
// entry at its index, so releasing a slot permanently invalidates every
// handle issued for it, without any revocation bookkeeping.
//
// ExportTable is not safe for concurrent use. It belongs to its thread's
// core.
type ExportTable struct {
	entries    []exportEntry
	free       []uint32
	owner      ThreadID
	generation uint64
}

type exportEntry struct {
	value      goja.Value
	generation uint64
}

// NewExportTable returns an empty table whose handles name owner.
func NewExportTable(owner ThreadID) *ExportTable {
	return &ExportTable{owner: owner}
}

// Add stores v, returning a handle addressed to receiver.
func (x *ExportTable) Add(v goja.Value, receiver ThreadID) transport.ExternalFunction {
	x.generation++
	entry := exportEntry{value: v, generation: x.generation}
	var index uint32
	if n := len(x.free); n > 0 {
		index = x.free[n-1]
		x.free = x.free[:n-1]
		x.entries[index] = entry
	} else {
		index = uint32(len(x.entries))
		x.entries = append(x.entries, entry)
	}
	return transport.ExternalFunction{
		Generation: x.generation,
		Owner:      uint64(x.owner),
		Receiver:   uint64(receiver),
		Index:      index,
	}
}

// Get returns the callable at index, or nil if the slot does not exist or
// was stamped with a different generation.
func (x *ExportTable) Get(index uint32, generation uint64) goja.Value {
	if int(index) >= len(x.entries) {
		return nil
	}
	entry := x.entries[index]
	if entry.generation != generation || entry.value == nil {
		return nil
	}
	return entry.value
}

// Release frees the slot at index, if it is occupied by generation.
func (x *ExportTable) Release(index uint32, generation uint64) bool {
	if x.Get(index, generation) == nil {
		return false
	}
	x.entries[index] = exportEntry{}
	x.free = append(x.free, index)
	return true
}

// Len returns the number of live entries.
func (x *ExportTable) Len() int {
	return len(x.entries) - len(x.free)
}

// Clear drops every entry. Generations keep increasing, so handles issued
// before Clear never resolve again.
func (x *ExportTable) Clear() {
	x.entries = nil
	x.free = nil
}
