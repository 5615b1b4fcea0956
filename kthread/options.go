// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultPreemptionThreshold is the number of ticks a script may run before
// it is interrupted. The interrupt is requested on the tick that exceeds it.
const DefaultPreemptionThreshold = 7

// threadOptions holds configuration options for Thread creation.
type threadOptions struct {
	logger         *logiface.Logger[logiface.Event]
	exceptionRates map[time.Duration]int
	threadType     Type
	threshold      uint32
	metrics        bool
}

// Option configures a Thread instance.
type Option interface {
	applyThread(*threadOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyThreadFunc func(*threadOptions) error
}

func (o *optionImpl) applyThread(opts *threadOptions) error {
	return o.applyThreadFunc(opts)
}

// WithType sets the thread type. Only [TypeDefault] (the default) and
// [TypeIdle] may be requested.
func WithType(t Type) Option {
	return &optionImpl{func(opts *threadOptions) error {
		if t != TypeDefault && t != TypeIdle {
			return errors.New("kthread: invalid thread type " + t.String())
		}
		opts.threadType = t
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *threadOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithExceptionRateLimits bounds how often uncaught script exceptions are
// logged, per source location. A nil or empty map disables rate limiting.
func WithExceptionRateLimits(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *threadOptions) error {
		opts.exceptionRates = rates
		return nil
	}}
}

// WithMetrics enables metrics collection, exposed via Thread.Metrics.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *threadOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithPreemptionThreshold overrides [DefaultPreemptionThreshold].
func WithPreemptionThreshold(ticks uint32) Option {
	return &optionImpl{func(opts *threadOptions) error {
		if ticks == 0 {
			return errors.New("kthread: preemption threshold must be positive")
		}
		opts.threshold = ticks
		return nil
	}}
}

// resolveOptions applies Option instances to threadOptions.
func resolveOptions(opts []Option) (*threadOptions, error) {
	cfg := &threadOptions{
		threadType: TypeDefault,
		threshold:  DefaultPreemptionThreshold,
		exceptionRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyThread(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
