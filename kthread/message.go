// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"fmt"

	"github.com/alkhe/runtime/transport"
)

// ThreadID identifies a thread. Zero is never a valid id, and ids are never
// reused by a scheduler.
type ThreadID uint64

// MessageKind is the tag of a [Message].
type MessageKind uint8

const (
	KindEmpty MessageKind = iota
	KindSetArguments
	KindSetArgumentsNoParent
	KindEvaluate
	KindFunctionCall
	KindFunctionReturnResolve
	KindFunctionReturnReject
	KindTimeoutEvent
	KindIRQRaise
)

// String implements fmt.Stringer.
func (k MessageKind) String() string {
	switch k {
	case KindEmpty:
		return "EMPTY"
	case KindSetArguments:
		return "SET_ARGUMENTS"
	case KindSetArgumentsNoParent:
		return "SET_ARGUMENTS_NOPARENT"
	case KindEvaluate:
		return "EVALUATE"
	case KindFunctionCall:
		return "FUNCTION_CALL"
	case KindFunctionReturnResolve:
		return "FUNCTION_RETURN_RESOLVE"
	case KindFunctionReturnReject:
		return "FUNCTION_RETURN_REJECT"
	case KindTimeoutEvent:
		return "TIMEOUT_EVENT"
	case KindIRQRaise:
		return "IRQ_RAISE"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Message is a unit of cross-thread communication, one of the pointer types
// declared in this file.
//
// Dispatch never mutates a message, so the same value may be pushed any
// number of times, to any number of threads.
type Message interface {
	Kind() MessageKind
	message()
}

// SetArguments delivers the argument value of a thread spawned by another,
// recording the sender as its parent. The parent's promise (PromiseID) is
// resolved with the exit value when the thread is torn down.
type SetArguments struct {
	Payload   transport.Value
	Sender    ThreadID
	PromiseID uint32
}

// SetArgumentsNoParent delivers the argument value of a thread with no
// parent.
type SetArgumentsNoParent struct {
	Payload transport.Value
}

// Evaluate compiles and runs a script.
type Evaluate struct {
	// Source must decode to a string, e.g. [transport.String].
	Source transport.Value
	// Name is used in stack traces; it defaults to "evaluate".
	Name string
}

// FunctionCall invokes an exported function through the receiver's call
// wrapper.
type FunctionCall struct {
	Function  transport.ExternalFunction
	Payload   transport.Value
	Sender    ThreadID
	PromiseID uint32
}

// FunctionReturnResolve settles a pending promise of the receiver.
type FunctionReturnResolve struct {
	Payload   transport.Value
	PromiseID uint32
	// Err is set when the sender could not serialize its value, in which
	// case the promise is rejected with an error describing it.
	Err *transport.SerializeError
}

// FunctionReturnReject rejects a pending promise of the receiver.
type FunctionReturnReject struct {
	Payload   transport.Value
	PromiseID uint32
}

// TimeoutEvent fires an elapsed timeout.
type TimeoutEvent struct {
	TimeoutID uint32
}

// IRQRaise invokes the handler registered for an interrupt.
type IRQRaise struct {
	IRQID uint32
}

// Empty does nothing. It may be used to wake a thread.
type Empty struct{}

func (*SetArguments) Kind() MessageKind          { return KindSetArguments }
func (*SetArgumentsNoParent) Kind() MessageKind  { return KindSetArgumentsNoParent }
func (*Evaluate) Kind() MessageKind              { return KindEvaluate }
func (*FunctionCall) Kind() MessageKind          { return KindFunctionCall }
func (*FunctionReturnResolve) Kind() MessageKind { return KindFunctionReturnResolve }
func (*FunctionReturnReject) Kind() MessageKind  { return KindFunctionReturnReject }
func (*TimeoutEvent) Kind() MessageKind          { return KindTimeoutEvent }
func (*IRQRaise) Kind() MessageKind              { return KindIRQRaise }
func (*Empty) Kind() MessageKind                 { return KindEmpty }

func (*SetArguments) message()          {}
func (*SetArgumentsNoParent) message()  {}
func (*Evaluate) message()              {}
func (*FunctionCall) message()          {}
func (*FunctionReturnResolve) message() {}
func (*FunctionReturnReject) message()  {}
func (*TimeoutEvent) message()          {}
func (*IRQRaise) message()              {}
func (*Empty) message()                 {}
