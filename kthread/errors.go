// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrThreadTerminated is returned when a message is pushed to a thread
	// that has already been torn down.
	ErrThreadTerminated = errors.New("kthread: thread has been terminated")

	// ErrNoSuchThread is returned by a [Scheduler] when pushing to an id it
	// does not (or no longer) know.
	ErrNoSuchThread = errors.New("kthread: no such thread")

	// ErrNotSpawner is thrown into scripts that call kernel.spawn on a thread
	// whose scheduler does not implement [Spawner].
	ErrNotSpawner = errors.New("kthread: scheduler does not support spawn")
)

// InvariantError describes a violated precondition of the thread protocol.
//
// It is never returned. It is the value of the panic raised on violation,
// and is not recovered by this package: the scheduler's process is expected
// to crash.
type InvariantError struct {
	Thread  ThreadID
	Op      string
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("kthread: invariant violated: thread %d: %s: %s", e.Thread, e.Op, e.Message)
}

func invariant(id ThreadID, op string, format string, args ...any) {
	panic(&InvariantError{
		Thread:  id,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	})
}
