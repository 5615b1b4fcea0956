// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"container/heap"
)

type deadline struct {
	when uint64
	seq  uint64
	id   uint32
}

// deadlineHeap is a min-heap of timeout deadlines, in ticks. Equal deadlines
// pop in insertion order.
type deadlineHeap []deadline

// Implement heap.Interface for deadlineHeap
func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadline))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// timeouts tracks the deadline of every armed timeout.
type timeouts struct {
	heap deadlineHeap
	seq  uint64
}

func (x *timeouts) set(id uint32, when uint64) {
	x.seq++
	heap.Push(&x.heap, deadline{when: when, seq: x.seq, id: id})
}

// elapsed pops the next timeout due at or before now.
func (x *timeouts) elapsed(now uint64) (uint32, bool) {
	if len(x.heap) == 0 || x.heap[0].when > now {
		return 0, false
	}
	return heap.Pop(&x.heap).(deadline).id, true
}

// remove disarms id, reporting whether it was armed.
func (x *timeouts) remove(id uint32) bool {
	for i := range x.heap {
		if x.heap[i].id == id {
			heap.Remove(&x.heap, i)
			return true
		}
	}
	return false
}

func (x *timeouts) len() int { return len(x.heap) }

func (x *timeouts) clear() { x.heap = nil }
