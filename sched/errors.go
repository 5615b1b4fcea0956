// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"errors"
)

// Standard errors.
var (
	// ErrSchedulerAlreadyRunning is returned when Run is called on a
	// scheduler that is already running.
	ErrSchedulerAlreadyRunning = errors.New("sched: scheduler is already running")

	// ErrSchedulerTerminated is returned when work is submitted to, or
	// awaited from, a scheduler that has been shut down.
	ErrSchedulerTerminated = errors.New("sched: scheduler has been terminated")

	// ErrHostEndpoint is returned when a message other than a settlement is
	// pushed to the endpoint of a root thread's host.
	ErrHostEndpoint = errors.New("sched: host endpoint only accepts settlements")

	// ErrNilMessage is returned when a nil message is pushed to a thread.
	ErrNilMessage = errors.New("sched: nil message")
)
