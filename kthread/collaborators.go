// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

// Scheduler is the thread's view of the component that owns it.
//
// All methods must be safe to call from any goroutine.
type Scheduler interface {
	// Ticks returns the global tick counter.
	Ticks() uint64
	// TicksPerMillisecond converts timeout durations to ticks. It must
	// return at least 1.
	TicksPerMillisecond() uint64
	// RequestPreemption is called (once per event) after a script running on
	// the given thread was interrupted by the tick source.
	RequestPreemption(id ThreadID)
	// Push enqueues a message for the given thread, failing with
	// [ErrNoSuchThread] if it is not known.
	Push(id ThreadID, msg Message) error
	// Current returns the thread currently running on the caller's core.
	Current() ThreadID
}

// Spawner may be implemented by a [Scheduler] to support kernel.spawn.
type Spawner interface {
	// Spawn creates and sets up a new DEFAULT thread, queueing the given
	// messages before it may first run.
	Spawn(initial ...Message) (ThreadID, error)
}

// Endpoint is the receiving end of a thread's message queue.
type Endpoint interface {
	// ID returns the thread id messages are addressed to.
	ID() ThreadID
	// Drain removes and returns every queued message, in arrival order.
	// Messages pushed after Drain returns are not included.
	Drain() []Message
}

// Stack is the execution stack resource of a thread.
type Stack struct {
	// Size is in bytes.
	Size int
}

// DefaultStackSize is used when no [StackAllocator] is given.
const DefaultStackSize = 2 << 20

// bytesPerFrame approximates the stack cost of one script call frame.
const bytesPerFrame = 256

func (s Stack) frames() int {
	n := s.Size / bytesPerFrame
	if n < 64 {
		n = 64
	}
	return n
}

// StackAllocator is the memory collaborator, consumed once per thread.
type StackAllocator interface {
	AllocStack() (Stack, error)
}

// StackAllocatorFunc implements [StackAllocator].
type StackAllocatorFunc func() (Stack, error)

// AllocStack implements [StackAllocator].
func (f StackAllocatorFunc) AllocStack() (Stack, error) { return f() }
