// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
)

// exceptionCategory is the rate limiting category of uncaught exceptions.
type exceptionCategory struct {
	location string
	thread   ThreadID
}

func (t *Thread) logException(kind MessageKind, err error) {
	t.metrics.exception()
	location, stack := describeException(err)
	if _, ok := t.limiter.Allow(exceptionCategory{thread: t.id, location: location}); !ok {
		return
	}
	t.logger.Err().
		Uint64("thread", uint64(t.id)).
		Str("kind", kind.String()).
		Str("location", location).
		Str("stack", stack).
		Err(err).
		Log("uncaught exception")
}

// describeException returns the source location an error was thrown from,
// and its script stack, if known.
func describeException(err error) (location, stack string) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		stack = ex.String()
		for _, line := range strings.Split(stack, "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "at "); ok {
				return rest, stack
			}
		}
		return "unknown", stack
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return "compile: " + syntax.Error(), ""
	}
	return "unknown", ""
}
