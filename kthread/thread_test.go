package kthread

import (
	"math"
	"testing"
	"time"

	"github.com/alkhe/runtime/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThread_idle(t *testing.T) {
	h := newHarness(t)
	th := h.thread(WithType(TypeIdle))
	assert.Nil(t, th.rt)
	for i := 0; i < 3; i++ {
		assert.True(t, th.Run())
	}
	assert.Equal(t, TypeIdle, th.Type())
}

func TestNew_options(t *testing.T) {
	h := newHarness(t)
	e := h.sched.endpoint()

	_, err := New(h.sched, e, nil, WithType(TypeTerminated))
	assert.Error(t, err)

	_, err = New(h.sched, e, nil, WithPreemptionThreshold(0))
	assert.Error(t, err)

	_, err = New(h.sched, e, nil, WithExceptionRateLimits(map[time.Duration]int{time.Second: -1}))
	assert.Error(t, err)

	th, err := New(h.sched, e, StackAllocatorFunc(func() (Stack, error) { return Stack{Size: 64 << 10}, nil }), nil)
	require.NoError(t, err)
	assert.Equal(t, 64<<10, th.stack.Size)
	_, ok := th.Metrics()
	assert.False(t, ok)
}

func TestThread_setUpTwice(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	err := requireInvariant(t, th.SetUp)
	assert.Equal(t, "setup", err.Op)
}

func TestThread_tearDownOnce(t *testing.T) {
	h := newHarness(t)
	th := h.thread()

	requireInvariant(t, th.TearDown) // not the current thread

	h.sched.current.Store(uint64(th.ID()))
	th.TearDown()
	assert.Equal(t, TypeTerminated, th.Type())
	assert.Nil(t, th.rt)

	requireInvariant(t, th.TearDown)
	requireInvariant(t, func() { th.Run() })
}

func TestThread_batchSnapshot(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	th.Ref()
	rec := record(t, th)
	require.NoError(t, th.rt.Set("pushLater", func() {
		h.eval(th, `record("late")`)
	}))

	h.eval(th, `record(1); pushLater()`)
	h.eval(th, `record(2)`)
	h.eval(th, `record(3)`)

	require.True(t, th.Run())
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, rec.get())

	require.True(t, th.Run())
	assert.Equal(t, []any{int64(1), int64(2), int64(3), "late"}, rec.get())

	m, ok := th.Metrics()
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.Batches)
	assert.Equal(t, uint64(4), m.Messages)
	assert.Equal(t, 3, m.QueueMax)
	assert.Equal(t, 2, m.Latency.Samples)
}

func TestThread_emptyBatchDoesNotTouchContext(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	assert.True(t, th.Run())
	assert.Nil(t, th.scope)
}

func TestThread_refcountZeroTerminatesAfterBatch(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	rec := record(t, th)
	h.eval(th, `record("a")`)
	h.eval(th, `record("b")`)
	h.eval(th, `record("c")`)

	assert.False(t, th.Run())
	assert.Equal(t, []any{"a", "b", "c"}, rec.get())
	assert.True(t, th.Terminating())
	assert.Equal(t, 1, h.logCount("terminate thread"))
}

func TestThread_exit(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	th.Ref()
	h.eval(th, `kernel.exit(1)`)
	assert.False(t, th.Run())
	assert.Contains(t, h.logs.String(), `"reason":"exit called"`)
}

func TestThread_timeoutFiresAtDeadline(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	rec := record(t, th)
	h.sched.ticks.Store(10)

	h.eval(th, `kernel.setTimeout(function () { record("fired") }, 5)`)
	require.True(t, th.Run())
	assert.True(t, th.Pending())

	h.sched.ticks.Store(14)
	require.True(t, th.Run())
	assert.Empty(t, rec.get())

	h.sched.ticks.Store(15)
	assert.False(t, th.Run(), "the timeout held the only reference")
	assert.Equal(t, []any{"fired"}, rec.get())
	assert.False(t, th.Pending())
}

func TestThread_timeoutTicksPerMillisecond(t *testing.T) {
	h := newHarness(t)
	h.sched.tpm = 4
	th := h.thread()
	th.Ref()
	rec := record(t, th)

	h.eval(th, `kernel.setTimeout(function () { record(2) }, 2); kernel.setTimeout(function () { record(1) }, 1)`)
	require.True(t, th.Run())

	h.sched.ticks.Store(3)
	require.True(t, th.Run())
	assert.Empty(t, rec.get())

	h.sched.ticks.Store(8)
	require.True(t, th.Run())
	assert.Equal(t, []any{int64(1), int64(2)}, rec.get())
}

func TestThread_timeoutFarFutureSaturates(t *testing.T) {
	h := newHarness(t)
	h.sched.tpm = 4
	h.sched.ticks.Store(10)
	th := h.thread()
	th.Ref()
	rec := record(t, th)

	h.eval(th, `kernel.setTimeout(function () { record("early") }, Infinity); kernel.setTimeout(function () { record("late") }, 4611686018427387904)`)
	require.True(t, th.Run())

	h.sched.ticks.Store(11)
	require.True(t, th.Run())
	assert.Empty(t, rec.get())
	assert.True(t, th.Pending())
}

func TestDeadlineTick(t *testing.T) {
	for _, tc := range []struct {
		name         string
		now, ms, tpm uint64
		want         uint64
	}{
		{"simple", 10, 5, 4, 30},
		{"zero", 7, 0, 4, 7},
		{"multiply overflow", 10, math.MaxInt64, 4, math.MaxUint64},
		{"add overflow", math.MaxUint64 - 1, 1, 4, math.MaxUint64},
		{"exact", math.MaxUint64 - 4, 1, 4, math.MaxUint64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deadlineTick(tc.now, tc.ms, tc.tpm))
		})
	}
}

func TestThread_clearTimeout(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	rec := record(t, th)
	h.eval(th, `kernel.clearTimeout(kernel.setTimeout(function () { record("no") }, 0))`)
	assert.False(t, th.Run())
	assert.False(t, th.Pending())
	assert.Empty(t, rec.get())
}

func TestThread_irqHandlerIsReusable(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	rec := record(t, th)
	h.eval(th, `var n = 0; record(kernel.onIRQ(function () { n++; record(n) }))`)
	require.True(t, th.Run())
	require.Len(t, rec.get(), 1)
	irq := uint32(rec.get()[0].(int64))

	require.NoError(t, h.sched.Push(th.ID(), &IRQRaise{IRQID: irq}))
	require.NoError(t, h.sched.Push(th.ID(), &IRQRaise{IRQID: irq}))
	require.NoError(t, h.sched.Push(th.ID(), &IRQRaise{IRQID: irq + 1}))
	require.True(t, th.Run())
	assert.Equal(t, []any{int64(irq), int64(1), int64(2)}, rec.get())

	m, _ := th.Metrics()
	assert.Equal(t, uint64(1), m.Stale)
}

func TestThread_setArgumentsTwice(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	th.Ref()
	require.NoError(t, h.sched.Push(th.ID(), &SetArgumentsNoParent{Payload: transport.String("a")}))
	require.NoError(t, h.sched.Push(th.ID(), &SetArgumentsNoParent{Payload: transport.String("b")}))
	err := requireInvariant(t, func() { th.Run() })
	assert.Contains(t, err.Message, "arguments already set")
}

func TestThread_args(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	rec := record(t, th)
	h.eval(th, `record(kernel.args())`)
	require.NoError(t, h.sched.Push(th.ID(), &SetArgumentsNoParent{Payload: transport.MustMarshal(map[string]any{"x": 1})}))
	h.eval(th, `record(kernel.args().x); record(kernel.id)`)
	th.Run()
	assert.Equal(t, []any{nil, int64(1), int64(th.ID())}, rec.get())
}

func TestThread_tearDownNotifiesParent(t *testing.T) {
	h := newHarness(t)
	parent := h.sched.endpoint()
	th := h.thread()

	require.NoError(t, h.sched.Push(th.ID(), &SetArguments{
		Payload:   transport.String("hello"),
		Sender:    parent.ID(),
		PromiseID: 42,
	}))
	h.eval(th, `kernel.exit(kernel.args() + "!")`)
	require.False(t, th.Run())

	h.sched.current.Store(uint64(th.ID()))
	th.TearDown()

	msgs := parent.Drain()
	require.Len(t, msgs, 1)
	resolve, ok := msgs[0].(*FunctionReturnResolve)
	require.True(t, ok)
	assert.Equal(t, uint32(42), resolve.PromiseID)
	assert.Nil(t, resolve.Err)
	v, err := transport.Unmarshal(resolve.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello!", v)
}

func TestThread_tearDownWithoutExitValue(t *testing.T) {
	h := newHarness(t)
	parent := h.sched.endpoint()
	th := h.thread()
	require.NoError(t, h.sched.Push(th.ID(), &SetArguments{Sender: parent.ID(), PromiseID: 7}))
	require.False(t, th.Run())
	h.sched.current.Store(uint64(th.ID()))
	th.TearDown()

	msgs := parent.Drain()
	require.Len(t, msgs, 1)
	resolve := msgs[0].(*FunctionReturnResolve)
	assert.True(t, resolve.Payload.IsEmpty())
}

func TestThread_tearDownExitValueNotTransferable(t *testing.T) {
	h := newHarness(t)
	parent := h.sched.endpoint()
	th := h.thread()
	require.NoError(t, h.sched.Push(th.ID(), &SetArguments{Sender: parent.ID(), PromiseID: 1}))
	h.eval(th, `kernel.exit(function () {})`)
	require.False(t, th.Run())
	h.sched.current.Store(uint64(th.ID()))
	th.TearDown()

	msgs := parent.Drain()
	require.Len(t, msgs, 1)
	resolve := msgs[0].(*FunctionReturnResolve)
	require.NotNil(t, resolve.Err)
	assert.True(t, transport.IsNotTransferable(resolve.Err))
}

func TestThread_tearDownExitValueGetterThrows(t *testing.T) {
	h := newHarness(t)
	parent := h.sched.endpoint()
	th := h.thread()
	require.NoError(t, h.sched.Push(th.ID(), &SetArguments{Sender: parent.ID(), PromiseID: 3}))
	h.eval(th, `kernel.exit({ok: 1, get bad() { throw new Error("getter") }})`)
	require.False(t, th.Run())
	h.sched.current.Store(uint64(th.ID()))
	require.NotPanics(t, th.TearDown)
	assert.Equal(t, TypeTerminated, th.Type())

	msgs := parent.Drain()
	require.Len(t, msgs, 1)
	resolve := msgs[0].(*FunctionReturnResolve)
	assert.Equal(t, uint32(3), resolve.PromiseID)
	require.NotNil(t, resolve.Err)
	assert.True(t, transport.IsNotTransferable(resolve.Err))
	assert.Equal(t, "$.bad", resolve.Err.Path)
}

func TestThread_tearDownExitValueGetterLoops(t *testing.T) {
	h := newHarness(t)
	parent := h.sched.endpoint()
	th := h.thread()
	installTicker(t, th)
	require.NoError(t, h.sched.Push(th.ID(), &SetArguments{Sender: parent.ID(), PromiseID: 4}))
	h.eval(th, `kernel.exit({get spin() { tick(8); for (;;) {} }})`)
	require.False(t, th.Run())
	h.sched.current.Store(uint64(th.ID()))
	require.NotPanics(t, th.TearDown)
	assert.Equal(t, TypeTerminated, th.Type())
	assert.False(t, th.guard.enabled)

	msgs := parent.Drain()
	require.Len(t, msgs, 1)
	resolve := msgs[0].(*FunctionReturnResolve)
	require.NotNil(t, resolve.Err)
	assert.True(t, transport.IsNotTransferable(resolve.Err))
}

func TestThread_uncaughtExceptionsAreLoggedAndRateLimited(t *testing.T) {
	h := newHarness(t)
	th := h.thread(WithExceptionRateLimits(map[time.Duration]int{time.Minute: 1}))
	th.Ref()
	rec := record(t, th)

	h.eval(th, `throw new Error("boom")`)
	h.eval(th, `throw new Error("boom")`)
	h.eval(th, `this is not a script`)
	h.eval(th, `record("still running")`)
	require.True(t, th.Run())

	assert.Equal(t, []any{"still running"}, rec.get())
	assert.Equal(t, 2, h.logCount("uncaught exception"))
	assert.Contains(t, h.logs.String(), "boom")

	m, _ := th.Metrics()
	assert.Equal(t, uint64(3), m.Exceptions)
}

func TestThread_unhandledRejectionLogged(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	th.Ref()
	h.eval(th, `Promise.reject(new Error("nope")); Promise.reject(1).catch(function () {})`)
	require.True(t, th.Run())
	assert.Equal(t, 1, h.logCount("unhandled promise rejection"))
	assert.Contains(t, h.logs.String(), "nope")
}

func TestThread_unknownMessage(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	require.NoError(t, h.sched.Push(th.ID(), unknownMessage{new(Empty)}))
	requireInvariant(t, func() { th.Run() })
}

type unknownMessage struct{ *Empty }

func (unknownMessage) Kind() MessageKind { return MessageKind(200) }

func TestThread_unrefBelowZero(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	requireInvariant(t, th.Unref)
}

func TestThread_priority(t *testing.T) {
	h := newHarness(t)
	th := h.thread()
	assert.Equal(t, uint32(1), th.Priority())
	th.IncrementPriority()
	th.IncrementPriority()
	assert.Equal(t, uint32(3), th.Priority())
	th.ResetPriority()
	assert.Equal(t, uint32(1), th.Priority())
}

func TestMessageKind_String(t *testing.T) {
	assert.Equal(t, "FUNCTION_RETURN_RESOLVE", (&FunctionReturnResolve{}).Kind().String())
	assert.Equal(t, "MessageKind(200)", MessageKind(200).String())
}
