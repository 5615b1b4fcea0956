// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/alkhe/runtime/transport"
	"github.com/dop251/goja"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Type is the kind of a thread.
type Type uint32

const (
	// TypeDefault threads run scripts.
	TypeDefault Type = iota
	// TypeIdle threads never acquire an execution context, and never
	// terminate. A scheduler runs one when it has nothing else to do.
	TypeIdle
	// TypeTerminated is the type of a thread after [Thread.TearDown].
	TypeTerminated
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeDefault:
		return "DEFAULT"
	case TypeIdle:
		return "IDLE"
	case TypeTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// Thread is one isolated script execution context, bound to the core that
// runs it.
//
// Lifecycle: [New], then [Thread.SetUp], then [Thread.Run] until it returns
// false, then [Thread.TearDown]. All three must be called from the owning
// core's goroutine. [Thread.TimerTick] and the reference counting,
// priority, and termination methods are safe for concurrent use.
type Thread struct {
	sched    Scheduler
	endpoint Endpoint
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	metrics  *metrics

	// owned by the core

	rt          *goja.Runtime
	scope       *scope
	args        goja.Value
	exitValue   goja.Value
	callWrapper goja.Callable
	exports     *ExportTable
	promises    pool[*pendingPromise]
	timeoutFns  pool[goja.Callable]
	irqs        pool[goja.Callable]
	timeouts    timeouts
	deferred    []Message
	rejections  map[*goja.Promise]struct{}

	guard guard
	stack Stack

	id            ThreadID
	parent        ThreadID
	parentPromise uint32
	hasParent     bool
	running       bool

	typ       atomic.Uint32
	priority  atomic.Uint32
	refs      atomic.Int64
	terminate atomic.Bool
}

type pendingPromise struct {
	resolve func(any) error
	reject  func(any) error
}

// New creates a thread, which will receive the messages queued at endpoint.
// The stack resource is allocated immediately; a nil stacks uses
// [DefaultStackSize].
func New(sched Scheduler, endpoint Endpoint, stacks StackAllocator, opts ...Option) (*Thread, error) {
	if sched == nil {
		return nil, errors.New("kthread: nil scheduler")
	}
	if endpoint == nil {
		return nil, errors.New("kthread: nil endpoint")
	}
	id := endpoint.ID()
	if id == 0 {
		return nil, errors.New("kthread: zero thread id")
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	stack := Stack{Size: DefaultStackSize}
	if stacks != nil {
		if stack, err = stacks.AllocStack(); err != nil {
			return nil, fmt.Errorf("kthread: allocate stack: %w", err)
		}
	}

	limiter, err := newLimiter(cfg.exceptionRates)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		sched:    sched,
		endpoint: endpoint,
		logger:   cfg.logger,
		limiter:  limiter,
		stack:    stack,
		id:       id,
		exports:  NewExportTable(id),
	}
	if cfg.metrics {
		t.metrics = new(metrics)
	}
	t.guard.signal = &preemptSignal{thread: id}
	t.guard.threshold = cfg.threshold
	t.typ.Store(uint32(cfg.threadType))
	t.priority.Store(1)
	return t, nil
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kthread: invalid exception rate limits: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// ID returns the id the thread's messages are addressed to.
func (t *Thread) ID() ThreadID { return t.id }

// Type returns the thread type.
func (t *Thread) Type() Type { return Type(t.typ.Load()) }

// Priority returns the scheduling priority.
func (t *Thread) Priority() uint32 { return t.priority.Load() }

// IncrementPriority is called by the scheduler when a message arrives.
func (t *Thread) IncrementPriority() { t.priority.Add(1) }

// ResetPriority is called by the scheduler when the thread is picked.
func (t *Thread) ResetPriority() { t.priority.Store(1) }

// Ref takes a liveness reference. A thread whose reference count is zero
// after a batch terminates.
func (t *Thread) Ref() { t.refs.Add(1) }

// Unref releases a liveness reference taken by [Thread.Ref].
func (t *Thread) Unref() {
	if t.refs.Add(-1) < 0 {
		invariant(t.id, "unref", "reference count below zero")
	}
}

// Refs returns the liveness reference count.
func (t *Thread) Refs() int64 { return t.refs.Load() }

// SetTerminateFlag makes the thread terminate at the end of its current or
// next batch.
func (t *Thread) SetTerminateFlag() { t.terminate.Store(true) }

// Terminating reports whether the terminate flag has been set.
func (t *Thread) Terminating() bool { return t.terminate.Load() }

// Pending reports whether the thread has work that does not depend on new
// messages: a preempted batch remainder, or an armed timeout.
func (t *Thread) Pending() bool {
	return len(t.deferred) != 0 || t.timeouts.len() != 0
}

// Metrics returns a snapshot, or false if metrics are disabled.
func (t *Thread) Metrics() (Metrics, bool) {
	if t.metrics == nil {
		return Metrics{}, false
	}
	return t.metrics.snapshot(), true
}

// SetTimeout arms timeout id to fire after ms milliseconds, measured in
// scheduler ticks.
func (t *Thread) SetTimeout(id uint32, ms uint64) {
	t.timeouts.set(id, deadlineTick(t.sched.Ticks(), ms, t.sched.TicksPerMillisecond()))
}

// deadlineTick is now+ms*tpm, saturating at the largest tick.
func deadlineTick(now, ms, tpm uint64) uint64 {
	hi, delta := bits.Mul64(ms, tpm)
	if hi != 0 {
		return math.MaxUint64
	}
	when, carry := bits.Add64(now, delta, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return when
}

// TimerTick is called by the tick source. If a script has been running
// uninterrupted for more than the preemption threshold, it is interrupted.
func (t *Thread) TimerTick() {
	t.guard.tick()
}

// SetUp creates the execution context. It is a no-op for IDLE threads.
func (t *Thread) SetUp() {
	if t.Type() == TypeIdle {
		return
	}
	if t.rt != nil || t.scope != nil {
		invariant(t.id, "setup", "context already present")
	}
	if t.Type() != TypeDefault {
		invariant(t.id, "setup", "thread is %s", t.Type())
	}

	rt := goja.New()
	rt.SetMaxCallStackSize(t.stack.frames())
	rt.SetPromiseRejectionTracker(t.trackRejection)
	t.rt = rt
	t.rejections = make(map[*goja.Promise]struct{})
	t.guard.attach(rt)

	t.logger.Debug().
		Uint64("thread", uint64(t.id)).
		Int("stack", t.stack.Size).
		Log("new execution context")
}

// TearDown releases the execution context. The thread must be DEFAULT, set
// up, and the scheduler's current thread. If the thread has a parent, the
// parent's promise is resolved with the exit value.
func (t *Thread) TearDown() {
	if t.Type() != TypeDefault {
		invariant(t.id, "teardown", "thread is %s", t.Type())
	}
	if t.rt == nil {
		invariant(t.id, "teardown", "no context")
	}
	if current := t.sched.Current(); current != t.id {
		invariant(t.id, "teardown", "current thread is %d", current)
	}

	if t.hasParent {
		t.notifyParent()
	}

	t.timeoutFns.clear()
	t.irqs.clear()
	t.promises.clear()
	t.timeouts.clear()
	t.exports.Clear()
	t.deferred = nil
	t.rejections = nil

	t.scope = nil
	t.args = nil
	t.exitValue = nil
	t.callWrapper = nil
	t.guard.attach(nil)
	t.rt = nil

	t.typ.Store(uint32(TypeTerminated))

	t.logger.Debug().
		Uint64("thread", uint64(t.id)).
		Log("execution context released")
}

func (t *Thread) notifyParent() {
	msg := &FunctionReturnResolve{PromiseID: t.parentPromise}
	if t.exitValue != nil {
		// getters on the exit value run script code
		t.guard.enter()
		payload, err := transport.Encode(t.exitValue)
		t.guard.exit()
		if err != nil {
			var serr *transport.SerializeError
			if !errors.As(err, &serr) {
				serr = &transport.SerializeError{Cause: err, Op: "encode", Reason: err.Error()}
			}
			msg.Err = serr
			t.logger.Warning().
				Uint64("thread", uint64(t.id)).
				Err(err).
				Log("exit value is not transferable")
		} else {
			msg.Payload = payload
		}
	}
	if err := t.sched.Push(t.parent, msg); err != nil {
		t.logger.Debug().
			Uint64("thread", uint64(t.id)).
			Uint64("parent", uint64(t.parent)).
			Err(err).
			Log("parent not notified")
	}
}

// Run processes one batch of messages, reporting whether the thread should
// continue to exist. It must not be called on a TERMINATED thread.
func (t *Thread) Run() bool {
	switch t.Type() {
	case TypeTerminated:
		invariant(t.id, "run", "thread is terminated")
	case TypeIdle:
		return true
	}
	if t.rt == nil {
		invariant(t.id, "run", "no context")
	}
	if t.running {
		invariant(t.id, "run", "reentrant run")
	}
	t.running = true
	defer func() { t.running = false }()

	batch := t.deferred
	t.deferred = nil
	now := t.sched.Ticks()
	for {
		id, ok := t.timeouts.elapsed(now)
		if !ok {
			break
		}
		batch = append(batch, &TimeoutEvent{TimeoutID: id})
	}
	batch = append(batch, t.endpoint.Drain()...)

	if len(batch) == 0 {
		return true
	}

	if t.scope == nil {
		t.newScope()
	}

	start := time.Now()
	dispatched := len(batch)
	preempted := false
	for i, msg := range batch {
		if t.dispatch(msg) {
			preempted = true
			dispatched = i + 1
			t.deferred = batch[i+1:]
			break
		}
	}
	t.metrics.batch(dispatched, time.Since(start))
	t.reportRejections()

	if preempted {
		return true
	}

	if t.terminate.Load() {
		t.logger.Info().
			Uint64("thread", uint64(t.id)).
			Str("reason", "exit called").
			Log("terminate thread")
		return false
	}
	if t.refs.Load() <= 0 {
		t.terminate.Store(true)
		t.logger.Info().
			Uint64("thread", uint64(t.id)).
			Str("reason", "refcount 0").
			Log("terminate thread")
		return false
	}
	return true
}

func (t *Thread) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		t.rejections[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(t.rejections, p)
	}
}

func (t *Thread) reportRejections() {
	for p := range t.rejections {
		delete(t.rejections, p)
		reason := p.Result()
		var msg string
		if reason != nil {
			msg = reason.String()
		}
		t.metrics.exception()
		if _, ok := t.limiter.Allow(exceptionCategory{thread: t.id, location: "unhandled rejection"}); !ok {
			continue
		}
		t.logger.Err().
			Uint64("thread", uint64(t.id)).
			Str("reason", msg).
			Log("unhandled promise rejection")
	}
}
