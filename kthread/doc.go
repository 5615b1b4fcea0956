// Package kthread implements the per-core script thread: one isolated
// [goja.Runtime] driven by a message queue and a scheduler.
//
// A scheduler repeatedly calls [Thread.Run], which promotes elapsed timeouts
// into messages, drains the thread's queue once, and dispatches the batch
// against the execution context, in arrival order. Run reports false once
// the script has called kernel.exit, or once nothing holds the thread alive:
// pending promises, armed timeouts, interrupt handlers and explicit
// kernel.ref calls all count as liveness references.
//
// Values cross between threads only in serialized form, see the transport
// package.
//
// # Preemption
//
// The scheduler's tick source calls [Thread.TimerTick]. While a script is
// running, the eighth consecutive tick (see [WithPreemptionThreshold])
// interrupts it. The interrupted invocation is abandoned, the rest of the
// batch is deferred to the next Run, and [Scheduler.RequestPreemption] is
// called so another thread may run.
//
// # Script bindings
//
// Scripts see a global kernel object:
//
//	kernel.id                      // this thread's id
//	kernel.args()                  // argument value, or null
//	kernel.exit([value])           // terminate after the current batch
//	kernel.setExitValue(value)
//	kernel.setTimeout(fn, ms)      // returns a timeout id
//	kernel.clearTimeout(id)
//	kernel.onIRQ(fn)               // returns an interrupt id
//	kernel.export(fn)              // returns a transferable handle
//	kernel.unexport(handle)
//	kernel.call(handle, value)     // returns a Promise
//	kernel.spawn(source, [value])  // returns a Promise of the exit value
//	kernel.resolve(sender, id, value)
//	kernel.reject(sender, id, reason)
//	kernel.setCallWrapper(fn)
//	kernel.ref()
//	kernel.unref()
package kthread
