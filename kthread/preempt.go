// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"errors"
	"sync"

	"github.com/dop251/goja"
)

// preemptSignal is the value passed to [goja.Runtime.Interrupt]. Each thread
// has its own, so an interrupt can be attributed to its cause.
type preemptSignal struct {
	thread ThreadID
}

func (s *preemptSignal) String() string {
	return "preempted"
}

// guard makes script invocations interruptible by the tick source.
//
// Ticks only count while a script is running under the guard. Enabling and
// disabling the guard, and delivering the interrupt, happen under a single
// mutex, so an interrupt is never left pending once the invocation has
// returned.
type guard struct {
	signal    *preemptSignal
	rt        *goja.Runtime
	mu        sync.Mutex
	counter   uint32
	threshold uint32
	enabled   bool
}

// enter must be paired with exit.
func (g *guard) enter() {
	g.mu.Lock()
	g.counter = 0
	g.enabled = true
	g.mu.Unlock()
}

func (g *guard) exit() {
	g.mu.Lock()
	g.enabled = false
	if g.rt != nil {
		g.rt.ClearInterrupt()
	}
	g.mu.Unlock()
}

// tick reports whether an interrupt was requested.
func (g *guard) tick() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled || g.rt == nil {
		return false
	}
	g.counter++
	if g.counter > g.threshold {
		g.counter = 0
		g.rt.Interrupt(g.signal)
		return true
	}
	return false
}

func (g *guard) attach(rt *goja.Runtime) {
	g.mu.Lock()
	g.rt = rt
	g.enabled = false
	g.mu.Unlock()
}

// preempted reports whether err is the unwinding caused by this guard.
func (g *guard) preempted(err error) bool {
	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		return false
	}
	signal, ok := interrupted.Value().(*preemptSignal)
	return ok && signal == g.signal
}
