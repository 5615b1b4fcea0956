// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"github.com/alkhe/runtime/transport"
	"github.com/dop251/goja"
)

// dispatch applies one message to the execution context, reporting whether
// the script it ran was preempted.
func (t *Thread) dispatch(msg Message) (preempted bool) {
	switch m := msg.(type) {
	case *SetArgumentsNoParent:
		if t.args != nil {
			invariant(t.id, "dispatch", "%s: arguments already set", m.Kind())
		}
		t.args = t.decode(m.Kind(), m.Payload)

	case *SetArguments:
		if t.args != nil {
			invariant(t.id, "dispatch", "%s: arguments already set", m.Kind())
		}
		t.args = t.decode(m.Kind(), m.Payload)
		t.parent = m.Sender
		t.parentPromise = m.PromiseID
		t.hasParent = true

	case *Evaluate:
		source := t.decode(m.Kind(), m.Source).String()
		name := m.Name
		if name == "" {
			name = "evaluate"
		}
		program, err := goja.Compile(name, source, false)
		if err != nil {
			t.logException(m.Kind(), err)
			return false
		}
		return t.invoke(m.Kind(), func() error {
			_, err := t.rt.RunProgram(program)
			return err
		})

	case *FunctionCall:
		payload := t.decode(m.Kind(), m.Payload)
		var fn goja.Value
		if m.Function.Owner == uint64(t.id) {
			fn = t.exports.Get(m.Function.Index, m.Function.Generation)
		}
		if fn == nil {
			fn = goja.Null()
		}
		return t.invoke(m.Kind(), func() error {
			_, err := t.callWrapper(
				goja.Undefined(),
				fn,
				t.rt.ToValue(uint64(m.Sender)),
				payload,
				t.rt.ToValue(m.PromiseID),
			)
			return err
		})

	case *FunctionReturnResolve:
		p, ok := t.takePromise(m.PromiseID)
		if !ok {
			t.stale(m.Kind(), m.PromiseID)
			return false
		}
		if m.Err != nil {
			reason := t.rt.NewTypeError(m.Err.Error())
			return t.settle(m.Kind(), p.reject, reason)
		}
		return t.settle(m.Kind(), p.resolve, t.decode(m.Kind(), m.Payload))

	case *FunctionReturnReject:
		p, ok := t.takePromise(m.PromiseID)
		if !ok {
			t.stale(m.Kind(), m.PromiseID)
			return false
		}
		return t.settle(m.Kind(), p.reject, t.decode(m.Kind(), m.Payload))

	case *TimeoutEvent:
		fn, ok := t.timeoutFns.take(m.TimeoutID)
		if !ok {
			t.stale(m.Kind(), m.TimeoutID)
			return false
		}
		t.Unref()
		return t.invoke(m.Kind(), func() error {
			_, err := fn(goja.Undefined())
			return err
		})

	case *IRQRaise:
		fn, ok := t.irqs.get(m.IRQID)
		if !ok {
			t.stale(m.Kind(), m.IRQID)
			return false
		}
		return t.invoke(m.Kind(), func() error {
			_, err := fn(goja.Undefined())
			return err
		})

	case *Empty:

	default:
		invariant(t.id, "dispatch", "unknown message %T", msg)
	}
	return false
}

// invoke runs fn under the preemption guard.
func (t *Thread) invoke(kind MessageKind, fn func() error) (preempted bool) {
	t.guard.enter()
	err := fn()
	t.guard.exit()
	if err == nil {
		return false
	}
	if t.guard.preempted(err) {
		t.metrics.preemption()
		t.logger.Debug().
			Uint64("thread", uint64(t.id)).
			Str("kind", kind.String()).
			Log("preempt")
		t.sched.RequestPreemption(t.id)
		return true
	}
	t.logException(kind, err)
	return false
}

// settle resolves or rejects a pending promise, then runs its reactions.
func (t *Thread) settle(kind MessageKind, fn func(any) error, value goja.Value) bool {
	return t.invoke(kind, func() error {
		if err := fn(value); err != nil {
			return err
		}
		_, err := t.rt.RunProgram(templates().drain)
		return err
	})
}

func (t *Thread) takePromise(id uint32) (*pendingPromise, bool) {
	p, ok := t.promises.take(id)
	if ok {
		t.Unref()
	}
	return p, ok
}

func (t *Thread) decode(kind MessageKind, v transport.Value) goja.Value {
	out, err := transport.Decode(t.rt, v)
	if err != nil {
		invariant(t.id, "dispatch", "%s: %v", kind, err)
	}
	return out
}

func (t *Thread) stale(kind MessageKind, id uint32) {
	t.metrics.stale()
	t.logger.Warning().
		Uint64("thread", uint64(t.id)).
		Str("kind", kind.String()).
		Uint64("id", uint64(id)).
		Log("ignoring message for unknown id")
}
