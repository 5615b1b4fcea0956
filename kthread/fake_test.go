package kthread

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alkhe/runtime/transport"
	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu   sync.Mutex
	msgs []Message
	id   ThreadID
}

func (e *fakeEndpoint) ID() ThreadID { return e.id }

func (e *fakeEndpoint) Drain() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.msgs
	e.msgs = nil
	return out
}

func (e *fakeEndpoint) push(msg Message) {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
}

// fakeScheduler records everything a thread asks of it.
type fakeScheduler struct {
	mu          sync.Mutex
	endpoints   map[ThreadID]*fakeEndpoint
	preemptions []ThreadID
	spawned     []ThreadID
	nextID      ThreadID
	ticks       atomic.Uint64
	tpm         uint64
	current     atomic.Uint64
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{endpoints: make(map[ThreadID]*fakeEndpoint), tpm: 1}
}

func (s *fakeScheduler) Ticks() uint64               { return s.ticks.Load() }
func (s *fakeScheduler) TicksPerMillisecond() uint64 { return s.tpm }
func (s *fakeScheduler) Current() ThreadID           { return ThreadID(s.current.Load()) }

func (s *fakeScheduler) RequestPreemption(id ThreadID) {
	s.mu.Lock()
	s.preemptions = append(s.preemptions, id)
	s.mu.Unlock()
}

func (s *fakeScheduler) Push(id ThreadID, msg Message) error {
	s.mu.Lock()
	e, ok := s.endpoints[id]
	s.mu.Unlock()
	if !ok {
		return ErrNoSuchThread
	}
	e.push(msg)
	return nil
}

func (s *fakeScheduler) Spawn(initial ...Message) (ThreadID, error) {
	e := s.endpoint()
	for _, msg := range initial {
		e.push(msg)
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, e.id)
	s.mu.Unlock()
	return e.id, nil
}

// endpoint registers a new queue.
func (s *fakeScheduler) endpoint() *fakeEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &fakeEndpoint{id: s.nextID}
	s.endpoints[e.id] = e
	return e
}

func (s *fakeScheduler) queue(id ThreadID) *fakeEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[id]
}

type harness struct {
	t     *testing.T
	sched *fakeScheduler
	logs  bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, sched: newFakeScheduler()}
}

func (h *harness) logger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&h.logs), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// thread creates and sets up a thread on a new endpoint.
func (h *harness) thread(opts ...Option) *Thread {
	return h.threadFor(h.sched.endpoint(), opts...)
}

func (h *harness) threadFor(e *fakeEndpoint, opts ...Option) *Thread {
	h.t.Helper()
	th, err := New(h.sched, e, nil, append([]Option{WithLogger(h.logger()), WithMetrics(true)}, opts...)...)
	require.NoError(h.t, err)
	th.SetUp()
	return th
}

func (h *harness) eval(th *Thread, source string) {
	h.t.Helper()
	require.NoError(h.t, h.sched.Push(th.ID(), &Evaluate{Source: transport.String(source)}))
}

func (h *harness) logCount(msg string) int {
	return strings.Count(h.logs.String(), `"msg":"`+msg+`"`)
}

// recorder installs a global record(value) function.
type recorder struct {
	mu     sync.Mutex
	values []any
}

func record(t *testing.T, th *Thread) *recorder {
	r := new(recorder)
	require.NoError(t, th.rt.Set("record", func(v goja.Value) {
		r.mu.Lock()
		r.values = append(r.values, v.Export())
		r.mu.Unlock()
	}))
	return r
}

func (r *recorder) get() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func requireInvariant(t *testing.T, fn func()) *InvariantError {
	t.Helper()
	var got *InvariantError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a panic")
			err, ok := r.(*InvariantError)
			require.True(t, ok, "unexpected panic: %v", r)
			got = err
		}()
		fn()
	}()
	return got
}
