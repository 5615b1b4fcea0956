// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotTransferable indicates the source value contains content that
	// cannot cross the isolation boundary, e.g. a function bound to the
	// sender's own context.
	ErrNotTransferable = errors.New("transport: value is not transferable")

	// ErrCorrupt indicates a [Value] that does not hold a well-formed
	// encoding.
	ErrCorrupt = errors.New("transport: corrupt value")
)

// SerializeError reports a failure to encode or decode a value, along with
// the location inside the value where it occurred.
type SerializeError struct {
	// Cause is either [ErrNotTransferable] or [ErrCorrupt], possibly wrapping
	// a more specific error.
	Cause error
	// Op is "encode" or "decode".
	Op string
	// Path locates the offending element, using JS accessor syntax rooted
	// at "$", e.g. `$.config.handlers[2]`.
	Path string
	// Reason is a short human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *SerializeError) Error() string {
	if e.Path == "" || e.Path == "$" {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("transport: %s %s: %s", e.Op, e.Path, e.Reason)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *SerializeError) Unwrap() error {
	return e.Cause
}

// Error is the Go representation of a transferred script Error object.
// Only the name and message survive the boundary; stacks are specific to the
// sender's context.
type Error struct {
	Name    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Undefined is the Go representation of the script undefined value.
// Null decodes to a nil interface.
type Undefined struct{}
