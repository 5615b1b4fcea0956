// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alkhe/runtime/kthread"
	"github.com/alkhe/runtime/transport"
	"github.com/joeycumines/logiface"
)

// Scheduler runs threads on a fixed set of cores, each driven by its own
// goroutine, and owns the tick source used for timeouts and preemption.
//
// Thread ids are never reused, so a push to a disposed thread fails with
// [kthread.ErrNoSuchThread].
type Scheduler struct {
	logger      *logiface.Logger[logiface.Event]
	slots       map[kthread.ThreadID]*slot
	stop        chan struct{}
	done        chan struct{}
	stacks      kthread.StackAllocator
	cores       []*core
	threadOpts  []kthread.Option
	wg          sync.WaitGroup
	interval    time.Duration
	tpm         uint64
	mu          sync.RWMutex
	stopOnce    sync.Once
	doneOnce    sync.Once
	state       fastState
	ticks       atomic.Uint64
	nextID      atomic.Uint64
	nextCore    atomic.Uint64
	preemptions atomic.Uint64
}

// slot is an arena entry: a thread with its mailbox and core, or the host
// endpoint awaiting a root thread's exit value.
type slot struct {
	thread  *kthread.Thread
	mailbox *mailbox
	core    *core
	done    chan struct{}
	reply   chan Result
	irqs    map[uint32]*kthread.IRQRaise
	irqMu   sync.Mutex
	id      kthread.ThreadID
	ranAt   uint64
	ready   bool
}

// runnable is only called by the slot's core.
func (sl *slot) runnable(now uint64) bool {
	return !sl.ready || sl.mailbox.len() != 0 || (sl.ranAt != now && sl.thread.Pending())
}

// irq returns the reusable IRQ_RAISE message for irq.
func (sl *slot) irq(irq uint32) *kthread.IRQRaise {
	sl.irqMu.Lock()
	defer sl.irqMu.Unlock()
	msg, ok := sl.irqs[irq]
	if !ok {
		if sl.irqs == nil {
			sl.irqs = make(map[uint32]*kthread.IRQRaise)
		}
		msg = &kthread.IRQRaise{IRQID: irq}
		sl.irqs[irq] = msg
	}
	return msg
}

// Result is the outcome of a root thread started by [Scheduler.Start].
type Result struct {
	// Value is the thread's exit value, see [transport.Unmarshal].
	Value any
	// Err is set if the exit value could not be transferred, or if the
	// thread was torn down by shutdown.
	Err error
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Threads     int
	Ticks       uint64
	Preemptions uint64
}

// New creates a scheduler. Every core is given an IDLE thread, which is
// current whenever the core has nothing to run.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	stackSize := cfg.stackSize
	s := &Scheduler{
		logger: cfg.logger,
		slots:  make(map[kthread.ThreadID]*slot),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		stacks: kthread.StackAllocatorFunc(func() (kthread.Stack, error) {
			return kthread.Stack{Size: stackSize}, nil
		}),
		threadOpts: append([]kthread.Option{kthread.WithLogger(cfg.logger)}, cfg.threadOpts...),
		interval:   cfg.tickInterval,
		tpm:        max(1, uint64(time.Millisecond/cfg.tickInterval)),
	}
	for i := 0; i < cfg.cores; i++ {
		c, err := newCore(s, i)
		if err != nil {
			return nil, err
		}
		s.cores = append(s.cores, c)
	}
	return s, nil
}

// Ticks returns the number of ticks since Run.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// TicksPerMillisecond is derived from the tick interval.
func (s *Scheduler) TicksPerMillisecond() uint64 { return s.tpm }

// RequestPreemption records that the given thread was interrupted. The
// thread's core moves on to the next thread when Run returns, and the
// remainder of the interrupted batch waits at least until the next tick.
func (s *Scheduler) RequestPreemption(id kthread.ThreadID) {
	s.preemptions.Add(1)
	s.logger.Debug().
		Uint64("thread", uint64(id)).
		Log("preemption requested")
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return s.state.load() }

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	threads := 0
	for _, sl := range s.slots {
		if sl.thread != nil {
			threads++
		}
	}
	s.mu.RUnlock()
	return Stats{
		Threads:     threads,
		Ticks:       s.ticks.Load(),
		Preemptions: s.preemptions.Load(),
	}
}

// Spawn creates a DEFAULT thread on the next core, round-robin, queueing
// initial before it may first run. The thread is set up by its core.
func (s *Scheduler) Spawn(initial ...kthread.Message) (kthread.ThreadID, error) {
	if !s.state.canAcceptWork() {
		return 0, ErrSchedulerTerminated
	}

	id := kthread.ThreadID(s.nextID.Add(1))
	c := s.cores[(s.nextCore.Add(1)-1)%uint64(len(s.cores))]
	mb := newMailbox(id)
	th, err := kthread.New(coreScheduler{s, c}, mb, s.stacks, s.threadOpts...)
	if err != nil {
		return 0, err
	}
	for _, msg := range initial {
		if err := mb.push(msg); err != nil {
			return 0, err
		}
	}

	sl := &slot{
		thread:  th,
		mailbox: mb,
		core:    c,
		done:    make(chan struct{}),
		id:      id,
	}
	s.mu.Lock()
	s.slots[id] = sl
	s.mu.Unlock()
	if err := c.add(sl); err != nil {
		s.mu.Lock()
		delete(s.slots, id)
		s.mu.Unlock()
		return 0, err
	}

	s.logger.Debug().
		Uint64("thread", uint64(id)).
		Int("core", c.index).
		Log("spawn thread")
	return id, nil
}

// Start spawns a root thread evaluating source, with args (see
// [transport.Marshal]) as its argument value. The returned channel receives
// the thread's exit value once it terminates.
func (s *Scheduler) Start(source string, args any) (kthread.ThreadID, <-chan Result, error) {
	payload, err := transport.Marshal(args)
	if err != nil {
		return 0, nil, err
	}

	host := &slot{
		id:    kthread.ThreadID(s.nextID.Add(1)),
		done:  make(chan struct{}),
		reply: make(chan Result, 1),
	}
	s.mu.Lock()
	s.slots[host.id] = host
	s.mu.Unlock()

	id, err := s.Spawn(
		&kthread.SetArguments{Payload: payload, Sender: host.id, PromiseID: 1},
		&kthread.Evaluate{Source: transport.String(source), Name: "main"},
	)
	if err != nil {
		s.forget(host)
		return 0, nil, err
	}
	return id, host.reply, nil
}

// Exec is like [Scheduler.Start], but waits for the thread to terminate.
func (s *Scheduler) Exec(ctx context.Context, source string, args any) (any, error) {
	_, reply, err := s.Start(source, args)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-s.done:
		select {
		case res := <-reply:
			return res.Value, res.Err
		default:
			return nil, ErrSchedulerTerminated
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push implements [kthread.Scheduler]. It is also the host's way to send
// any message to a thread.
func (s *Scheduler) Push(id kthread.ThreadID, msg kthread.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl == nil {
		return kthread.ErrNoSuchThread
	}
	if sl.reply != nil {
		return s.deliver(sl, msg)
	}
	if err := sl.mailbox.push(msg); err != nil {
		return err
	}
	sl.thread.IncrementPriority()
	sl.core.wake()
	return nil
}

// Evaluate queues source for evaluation on thread id.
func (s *Scheduler) Evaluate(id kthread.ThreadID, source string) error {
	return s.Push(id, &kthread.Evaluate{Source: transport.String(source)})
}

// RaiseIRQ invokes the interrupt handler irq (see kernel.onIRQ) of thread
// id. The message is allocated once per thread and interrupt.
func (s *Scheduler) RaiseIRQ(id kthread.ThreadID, irq uint32) error {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl == nil || sl.thread == nil {
		return kthread.ErrNoSuchThread
	}
	return s.Push(id, sl.irq(irq))
}

// Done returns a channel closed once thread id has been disposed. The
// channel of an unknown id is already closed.
func (s *Scheduler) Done(id kthread.ThreadID) <-chan struct{} {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl == nil {
		return closedChan
	}
	return sl.done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// deliver settles a host endpoint. Only the root thread's teardown is
// expected to push to it.
func (s *Scheduler) deliver(host *slot, msg kthread.Message) error {
	m, ok := msg.(*kthread.FunctionReturnResolve)
	if !ok {
		return ErrHostEndpoint
	}
	var res Result
	switch {
	case s.state.load() != StateRunning:
		res.Err = ErrSchedulerTerminated
	case m.Err != nil:
		res.Err = m.Err
	default:
		res.Value, res.Err = transport.Unmarshal(m.Payload)
	}
	if !s.forget(host) {
		return kthread.ErrNoSuchThread
	}
	host.reply <- res
	return nil
}

// forget removes a host endpoint, reporting whether it was present.
func (s *Scheduler) forget(host *slot) bool {
	s.mu.Lock()
	_, ok := s.slots[host.id]
	delete(s.slots, host.id)
	s.mu.Unlock()
	if ok {
		close(host.done)
	}
	return ok
}

// dispose removes a torn down (or never set up) thread from the arena.
// Messages still queued are dropped.
func (s *Scheduler) dispose(sl *slot) {
	s.mu.Lock()
	delete(s.slots, sl.id)
	s.mu.Unlock()
	sl.core.remove(sl)
	dropped := sl.mailbox.close()
	close(sl.done)

	s.logger.Debug().
		Uint64("thread", uint64(sl.id)).
		Int("core", sl.core.index).
		Int("dropped", dropped).
		Log("dispose thread")
}

// Run starts the core drivers and the tick source, and blocks until ctx is
// done or Shutdown is called. Threads still alive are then torn down by
// their cores.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.tryTransition(StateAwake, StateRunning) {
		if s.state.load() == StateRunning {
			return ErrSchedulerAlreadyRunning
		}
		return ErrSchedulerTerminated
	}
	defer s.closeDone()

	s.logger.Info().
		Int("cores", len(s.cores)).
		Log("scheduler running")

	s.wg.Add(len(s.cores))
	for _, c := range s.cores {
		go c.run(s.stop)
	}
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		s.tickLoop()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.stop:
	}
	s.state.tryTransition(StateRunning, StateTerminating)
	s.closeStop()
	s.wg.Wait()
	<-tickerDone
	s.state.store(StateTerminated)

	s.logger.Info().Log("scheduler terminated")
	return err
}

// Shutdown stops the scheduler and waits until every core has stopped, or
// ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.state.tryTransition(StateAwake, StateTerminated) {
		s.closeStop()
		s.closeDone()
		return nil
	}
	if !s.state.tryTransition(StateRunning, StateTerminating) && s.state.load() == StateTerminated {
		return ErrSchedulerTerminated
	}
	s.closeStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) closeStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) tickLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick advances the tick counter, offers the tick to the thread running on
// every core, and wakes each core so elapsed timeouts get promoted.
func (s *Scheduler) tick() {
	s.ticks.Add(1)
	for _, c := range s.cores {
		c.current.Load().TimerTick()
		c.wake()
	}
}
