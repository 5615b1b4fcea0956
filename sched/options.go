// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"errors"
	"runtime"
	"time"

	"github.com/alkhe/runtime/kthread"
	"github.com/joeycumines/logiface"
)

// DefaultTickInterval is the period of the tick source.
const DefaultTickInterval = time.Millisecond

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger       *logiface.Logger[logiface.Event]
	threadOpts   []kthread.Option
	cores        int
	tickInterval time.Duration
	stackSize    int
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithCores sets the number of core drivers. The default is
// [runtime.NumCPU].
func WithCores(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("sched: cores must be positive")
		}
		opts.cores = n
		return nil
	}}
}

// WithTickInterval sets the period of the tick source, which drives both
// timeouts and preemption. Intervals above one millisecond are rejected,
// since timeouts are expressed in whole ticks per millisecond.
func WithTickInterval(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 || d > time.Millisecond {
			return errors.New("sched: tick interval must be in (0, 1ms]")
		}
		opts.tickInterval = d
		return nil
	}}
}

// WithStackSize sets the stack resource, in bytes, given to each thread.
func WithStackSize(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("sched: stack size must be positive")
		}
		opts.stackSize = n
		return nil
	}}
}

// WithLogger configures structured logging, for the scheduler and (unless
// overridden by [WithThreadOptions]) every thread it spawns.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithThreadOptions appends options used for every spawned thread.
func WithThreadOptions(threadOpts ...kthread.Option) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.threadOpts = append(opts.threadOpts, threadOpts...)
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		cores:        runtime.NumCPU(),
		tickInterval: DefaultTickInterval,
		stackSize:    kthread.DefaultStackSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
