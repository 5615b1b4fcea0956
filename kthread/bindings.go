// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"sync"

	"github.com/alkhe/runtime/transport"
	"github.com/dop251/goja"
)

// defaultCallWrapper is invoked for every FUNCTION_CALL, with the exported
// function (or null if the handle has expired), the caller's thread id, the
// argument, and the caller's promise id.
const defaultCallWrapper = `(function (fn, sender, value, id) {
	if (typeof fn !== "function") {
		kernel.reject(sender, id, new Error("function is no longer exported"));
		return;
	}
	Promise.resolve(value).then(fn).then(
		function (result) { kernel.resolve(sender, id, result); },
		function (err) { kernel.reject(sender, id, err); }
	);
})`

// templateCache holds programs compiled once per process and shared by
// every thread.
type templateCache struct {
	callWrapper *goja.Program
	drain       *goja.Program
}

var (
	templatesOnce  sync.Once
	templatesValue *templateCache
)

func templates() *templateCache {
	templatesOnce.Do(func() {
		templatesValue = &templateCache{
			callWrapper: goja.MustCompile("kernel:call-wrapper", defaultCallWrapper, true),
			drain:       goja.MustCompile("kernel:drain", "", true),
		}
	})
	return templatesValue
}

// scope is the global state installed into a context before its first
// batch.
type scope struct {
	kernel        *goja.Object
	customWrapper bool
}

func (t *Thread) newScope() {
	rt := t.rt
	k := rt.NewObject()
	s := &scope{kernel: k}

	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"args":           t.jsArgs,
		"exit":           t.jsExit,
		"setExitValue":   t.jsSetExitValue,
		"setTimeout":     t.jsSetTimeout,
		"clearTimeout":   t.jsClearTimeout,
		"onIRQ":          t.jsOnIRQ,
		"export":         t.jsExport,
		"unexport":       t.jsUnexport,
		"call":           t.jsCall,
		"resolve":        t.jsResolve,
		"reject":         t.jsReject,
		"setCallWrapper": t.jsSetCallWrapper,
		"spawn":          t.jsSpawn,
		"ref":            t.jsRef,
		"unref":          t.jsUnref,
	} {
		if err := k.Set(name, fn); err != nil {
			invariant(t.id, "scope", "install %s: %v", name, err)
		}
	}
	if err := k.Set("id", uint64(t.id)); err != nil {
		invariant(t.id, "scope", "install id: %v", err)
	}
	if err := rt.Set("kernel", k); err != nil {
		invariant(t.id, "scope", "install kernel: %v", err)
	}

	wrapper, err := rt.RunProgram(templates().callWrapper)
	if err != nil {
		invariant(t.id, "scope", "call wrapper: %v", err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		invariant(t.id, "scope", "call wrapper is not a function")
	}
	t.callWrapper = fn
	t.scope = s
}

func (t *Thread) jsArgs(goja.FunctionCall) goja.Value {
	if t.args == nil {
		return goja.Null()
	}
	return t.args
}

func (t *Thread) jsExit(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) > 0 {
		t.exitValue = call.Argument(0)
	}
	t.SetTerminateFlag()
	return goja.Undefined()
}

func (t *Thread) jsSetExitValue(call goja.FunctionCall) goja.Value {
	t.exitValue = call.Argument(0)
	return goja.Undefined()
}

func (t *Thread) jsSetTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(t.rt.NewTypeError("setTimeout requires a function as first argument"))
	}
	ms := call.Argument(1).ToInteger()
	if ms < 0 {
		ms = 0
	}
	id := t.timeoutFns.add(fn)
	t.Ref()
	t.SetTimeout(id, uint64(ms))
	return t.rt.ToValue(id)
}

func (t *Thread) jsClearTimeout(call goja.FunctionCall) goja.Value {
	id := uint32(call.Argument(0).ToInteger())
	if _, ok := t.timeoutFns.take(id); ok {
		t.timeouts.remove(id)
		t.Unref()
	}
	return goja.Undefined()
}

func (t *Thread) jsOnIRQ(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(t.rt.NewTypeError("onIRQ requires a function"))
	}
	id := t.irqs.add(fn)
	t.Ref()
	return t.rt.ToValue(id)
}

func (t *Thread) jsExport(call goja.FunctionCall) goja.Value {
	v := call.Argument(0)
	if _, ok := goja.AssertFunction(v); !ok {
		panic(t.rt.NewTypeError("export requires a function"))
	}
	return transport.NewExternalFunction(t.rt, t.exports.Add(v, t.id))
}

func (t *Thread) jsUnexport(call goja.FunctionCall) goja.Value {
	h, ok := transport.AsExternalFunction(call.Argument(0))
	if !ok {
		panic(t.rt.NewTypeError("unexport requires an exported function handle"))
	}
	if h.Owner != uint64(t.id) {
		return t.rt.ToValue(false)
	}
	return t.rt.ToValue(t.exports.Release(h.Index, h.Generation))
}

func (t *Thread) jsCall(call goja.FunctionCall) goja.Value {
	h, ok := transport.AsExternalFunction(call.Argument(0))
	if !ok {
		panic(t.rt.NewTypeError("call requires an exported function handle"))
	}
	payload, err := transport.Encode(call.Argument(1))
	if err != nil {
		panic(t.rt.NewTypeError(err.Error()))
	}
	return t.newPending(func(id uint32) error {
		return t.sched.Push(ThreadID(h.Receiver), &FunctionCall{
			Function:  h,
			Payload:   payload,
			Sender:    t.id,
			PromiseID: id,
		})
	})
}

func (t *Thread) jsSpawn(call goja.FunctionCall) goja.Value {
	spawner, ok := t.sched.(Spawner)
	if !ok {
		panic(t.rt.NewGoError(ErrNotSpawner))
	}
	source := call.Argument(0).String()
	payload, err := transport.Encode(call.Argument(1))
	if err != nil {
		panic(t.rt.NewTypeError(err.Error()))
	}
	return t.newPending(func(id uint32) error {
		_, err := spawner.Spawn(
			&SetArguments{Payload: payload, Sender: t.id, PromiseID: id},
			&Evaluate{Source: transport.String(source), Name: "spawn"},
		)
		return err
	})
}

// newPending registers a promise that will be settled by a later
// FUNCTION_RETURN message, then calls send with its id. If send fails the
// promise is rejected immediately.
func (t *Thread) newPending(send func(id uint32) error) goja.Value {
	promise, resolve, reject := t.rt.NewPromise()
	id := t.promises.add(&pendingPromise{resolve: resolve, reject: reject})
	t.Ref()
	if err := send(id); err != nil {
		t.promises.take(id)
		t.Unref()
		if err := reject(t.rt.NewGoError(err)); err != nil {
			panic(err)
		}
	}
	return t.rt.ToValue(promise)
}

func (t *Thread) jsResolve(call goja.FunctionCall) goja.Value {
	t.reply(call, false)
	return goja.Undefined()
}

func (t *Thread) jsReject(call goja.FunctionCall) goja.Value {
	t.reply(call, true)
	return goja.Undefined()
}

// reply settles the promise of another thread. A value that cannot be
// transferred rejects it with a TypeError instead.
func (t *Thread) reply(call goja.FunctionCall, rejected bool) {
	target := ThreadID(call.Argument(0).ToInteger())
	id := uint32(call.Argument(1).ToInteger())

	payload, err := transport.Encode(call.Argument(2))
	if err != nil {
		rejected = true
		payload = transport.MustMarshal(&transport.Error{Name: "TypeError", Message: err.Error()})
	}

	var msg Message
	if rejected {
		msg = &FunctionReturnReject{Payload: payload, PromiseID: id}
	} else {
		msg = &FunctionReturnResolve{Payload: payload, PromiseID: id}
	}
	if err := t.sched.Push(target, msg); err != nil {
		t.logger.Debug().
			Uint64("thread", uint64(t.id)).
			Uint64("target", uint64(target)).
			Err(err).
			Log("reply not delivered")
	}
}

func (t *Thread) jsSetCallWrapper(call goja.FunctionCall) goja.Value {
	if t.scope.customWrapper {
		invariant(t.id, "setCallWrapper", "call wrapper already set")
	}
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(t.rt.NewTypeError("setCallWrapper requires a function"))
	}
	t.callWrapper = fn
	t.scope.customWrapper = true
	return goja.Undefined()
}

func (t *Thread) jsRef(goja.FunctionCall) goja.Value {
	t.Ref()
	return goja.Undefined()
}

func (t *Thread) jsUnref(goja.FunctionCall) goja.Value {
	if t.refs.Load() <= 0 {
		panic(t.rt.NewTypeError("unref called without a matching ref"))
	}
	t.Unref()
	return goja.Undefined()
}
