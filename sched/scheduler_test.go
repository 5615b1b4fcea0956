package sched

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alkhe/runtime/kthread"
	"github.com/alkhe/runtime/transport"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// start runs a scheduler until the end of the test.
func start(t *testing.T, opts ...Option) (*Scheduler, *syncBuffer) {
	t.Helper()
	logs := new(syncBuffer)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(logs), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
	s, err := New(append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case err := <-errCh:
			if err != nil {
				assert.ErrorIs(t, err, ErrSchedulerTerminated)
			}
		case <-ctx.Done():
			t.Error("Run did not return")
		}
	})
	return s, logs
}

func TestScheduler_exec(t *testing.T) {
	s, logs := start(t)
	v, err := s.Exec(testContext(t), `kernel.exit(kernel.args() * 2)`, 21)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	require.Eventually(t, func() bool { return s.Stats().Threads == 0 }, 5*time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), `"msg":"dispose thread"`)
}

func TestScheduler_execScriptError(t *testing.T) {
	s, logs := start(t)
	v, err := s.Exec(testContext(t), `throw new Error("broken")`, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.Undefined{}, v, "the thread had no references and no exit value")
	assert.Contains(t, logs.String(), "broken")
}

func TestScheduler_exitValueNotTransferable(t *testing.T) {
	s, _ := start(t)
	_, err := s.Exec(testContext(t), `kernel.exit(function () {})`, nil)
	require.Error(t, err)
	assert.True(t, transport.IsNotTransferable(err))
}

func TestScheduler_spawnAcrossCores(t *testing.T) {
	s, _ := start(t, WithCores(2))
	v, err := s.Exec(testContext(t), `
		kernel.spawn("kernel.exit(kernel.args() + 1)", kernel.args())
			.then(function (v) { kernel.exit(v * 10) });
	`, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)
}

func TestScheduler_callBetweenThreads(t *testing.T) {
	s, _ := start(t, WithCores(2))
	v, err := s.Exec(testContext(t), `
		var square = kernel.export(function (x) { return x * x });
		kernel.spawn("kernel.call(kernel.args(), 9).then(kernel.exit)", square)
			.then(function (v) { kernel.unexport(square); kernel.exit(v) });
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(81), v)
}

func TestScheduler_preemptsInfiniteLoop(t *testing.T) {
	s, _ := start(t, WithCores(1))
	loop, _, err := s.Start(`for (;;) {}`, nil)
	require.NoError(t, err)

	v, err := s.Exec(testContext(t), `kernel.exit("ok")`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.GreaterOrEqual(t, s.Stats().Preemptions, uint64(1))

	select {
	case <-s.Done(loop):
		t.Fatal("an interrupted thread waits for its next message")
	default:
	}
}

func TestScheduler_timeout(t *testing.T) {
	s, _ := start(t)
	began := time.Now()
	v, err := s.Exec(testContext(t), `kernel.setTimeout(function () { kernel.exit("late") }, 5)`, nil)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
	assert.GreaterOrEqual(t, time.Since(began), 4*time.Millisecond)
}

func TestScheduler_raiseIRQ(t *testing.T) {
	s, _ := start(t)
	id, reply, err := s.Start(`var n = 0; kernel.onIRQ(function () { if (++n === 2) kernel.exit(n) })`, nil)
	require.NoError(t, err)
	require.NoError(t, s.RaiseIRQ(id, 1))
	require.NoError(t, s.RaiseIRQ(id, 1))

	select {
	case res := <-reply:
		require.NoError(t, res.Err)
		assert.Equal(t, int64(2), res.Value)
	case <-testContext(t).Done():
		t.Fatal("timed out")
	}

	<-s.Done(id)
	assert.ErrorIs(t, s.RaiseIRQ(id, 1), kthread.ErrNoSuchThread)
	assert.ErrorIs(t, s.Evaluate(id, `1`), kthread.ErrNoSuchThread)
}

func TestScheduler_evaluate(t *testing.T) {
	s, _ := start(t)
	id, reply, err := s.Start(`kernel.ref()`, nil)
	require.NoError(t, err)
	require.NoError(t, s.Evaluate(id, `kernel.exit("evaluated")`))

	res := <-reply
	require.NoError(t, res.Err)
	assert.Equal(t, "evaluated", res.Value)
}

func TestScheduler_hostEndpointRejectsOtherMessages(t *testing.T) {
	s, _ := start(t, WithCores(1))
	_, _, err := s.Start(`kernel.ref()`, nil)
	require.NoError(t, err)

	var host kthread.ThreadID
	s.mu.RLock()
	for id, sl := range s.slots {
		if sl.reply != nil {
			host = id
		}
	}
	s.mu.RUnlock()
	require.NotZero(t, host)
	assert.ErrorIs(t, s.Push(host, &kthread.Empty{}), ErrHostEndpoint)
}

func TestScheduler_shutdownTearsDownLiveThreads(t *testing.T) {
	s, _ := start(t, WithCores(1))
	id, reply, err := s.Start(`kernel.ref()`, nil)
	require.NoError(t, err)

	// same core, spawned later: the first thread has been set up once this returns
	_, err = s.Exec(testContext(t), `kernel.exit()`, nil)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(testContext(t)))
	assert.Equal(t, StateTerminated, s.State())

	res := <-reply
	assert.ErrorIs(t, res.Err, ErrSchedulerTerminated)
	<-s.Done(id)
	assert.Zero(t, s.Stats().Threads)

	_, err = s.Spawn()
	assert.ErrorIs(t, err, ErrSchedulerTerminated)
	_, err = s.Exec(testContext(t), `1`, nil)
	assert.ErrorIs(t, err, ErrSchedulerTerminated)
	assert.ErrorIs(t, s.Run(context.Background()), ErrSchedulerTerminated)
	assert.ErrorIs(t, s.Shutdown(context.Background()), ErrSchedulerTerminated)
}

func TestScheduler_spawnRejectsNilInitialMessage(t *testing.T) {
	s, _ := start(t, WithCores(1))
	before := s.Stats().Threads
	_, err := s.Spawn(&kthread.Empty{}, nil)
	assert.ErrorIs(t, err, ErrNilMessage)
	assert.Equal(t, before, s.Stats().Threads, "the thread is not registered")

	id, err := s.Spawn(&kthread.Empty{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Push(id, nil), ErrNilMessage)
}

func TestScheduler_runTwice(t *testing.T) {
	s, _ := start(t)
	_, err := s.Exec(testContext(t), `kernel.exit()`, nil)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Run(context.Background()), ErrSchedulerAlreadyRunning)
}

func TestScheduler_runContextCancelled(t *testing.T) {
	s, err := New(WithCores(1))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Equal(t, StateTerminated, s.State())
}

func TestScheduler_shutdownBeforeRun(t *testing.T) {
	s, err := New(WithCores(1))
	require.NoError(t, err)
	_, reply, err := s.Start(`kernel.exit(1)`, nil)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, s.State())
	assert.ErrorIs(t, s.Run(context.Background()), ErrSchedulerTerminated)

	select {
	case <-reply:
		t.Fatal("the thread never ran")
	default:
	}
}

func TestScheduler_startNotTransferable(t *testing.T) {
	s, err := New(WithCores(1))
	require.NoError(t, err)
	_, _, err = s.Start(`1`, make(chan int))
	assert.True(t, transport.IsNotTransferable(err))
	assert.Empty(t, s.slots)
}

func TestScheduler_pushUnknown(t *testing.T) {
	s, err := New(WithCores(1))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Push(12345, &kthread.Empty{}), kthread.ErrNoSuchThread)
	select {
	case <-s.Done(12345):
	default:
		t.Fatal("expected a closed channel")
	}
}

func TestNew_options(t *testing.T) {
	for _, opt := range []Option{
		WithCores(0),
		WithTickInterval(0),
		WithTickInterval(2 * time.Millisecond),
		WithStackSize(0),
	} {
		_, err := New(opt)
		assert.Error(t, err)
	}

	s, err := New(nil, WithCores(3), WithTickInterval(250*time.Microsecond), WithStackSize(1<<20))
	require.NoError(t, err)
	assert.Len(t, s.cores, 3)
	assert.Equal(t, uint64(4), s.TicksPerMillisecond())
	stack, err := s.stacks.AllocStack()
	require.NoError(t, err)
	assert.Equal(t, 1<<20, stack.Size)
	assert.Equal(t, StateAwake, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Terminating", StateTerminating.String())
	assert.Equal(t, "Unknown", State(99).String())
}
