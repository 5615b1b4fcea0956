// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Scheduler].
//
//	StateAwake → StateRunning            [Run()]
//	StateAwake → StateTerminated         [Shutdown() before Run()]
//	StateRunning → StateTerminating      [Shutdown() or context done]
//	StateTerminating → StateTerminated   [every core stopped]
type State uint64

const (
	// StateAwake indicates the scheduler has been created but not started.
	StateAwake State = iota
	// StateRunning indicates the core drivers are running.
	StateRunning
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates every thread has been torn down.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine. Temporary states are entered by
// CAS, the terminal state by store.
type fastState struct {
	v atomic.Uint64
}

func (s *fastState) load() State {
	return State(s.v.Load())
}

func (s *fastState) store(state State) {
	s.v.Store(uint64(state))
}

func (s *fastState) tryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// canAcceptWork returns true if new threads may be spawned.
func (s *fastState) canAcceptWork() bool {
	state := s.load()
	return state == StateAwake || state == StateRunning
}
