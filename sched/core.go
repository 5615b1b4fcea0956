// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/alkhe/runtime/kthread"
)

// core drives the threads assigned to it, one Run at a time, on a single
// goroutine. Threads never migrate between cores.
type core struct {
	sched   *Scheduler
	idle    *kthread.Thread
	current atomic.Pointer[kthread.Thread]
	wakeCh  chan struct{}
	slots   []*slot
	mu      sync.Mutex
	cursor  int
	index   int
	closed  bool
}

// coreScheduler is the [kthread.Scheduler] seen by the threads of one core.
type coreScheduler struct {
	*Scheduler
	core *core
}

// Current returns the thread running on the core, or its IDLE thread.
func (v coreScheduler) Current() kthread.ThreadID {
	return v.core.current.Load().ID()
}

var (
	_ kthread.Scheduler = coreScheduler{}
	_ kthread.Spawner   = coreScheduler{}
)

func newCore(s *Scheduler, index int) (*core, error) {
	c := &core{
		sched:  s,
		index:  index,
		cursor: -1,
		wakeCh: make(chan struct{}, 1),
	}
	id := kthread.ThreadID(s.nextID.Add(1))
	idle, err := kthread.New(coreScheduler{s, c}, newMailbox(id), nil, kthread.WithType(kthread.TypeIdle))
	if err != nil {
		return nil, err
	}
	idle.SetUp()
	c.idle = idle
	c.current.Store(idle)
	return c, nil
}

func (c *core) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *core) add(sl *slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSchedulerTerminated
	}
	c.slots = append(c.slots, sl)
	c.wake()
	return nil
}

func (c *core) remove(sl *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.slots, sl)
	if i < 0 {
		return
	}
	c.slots = slices.Delete(c.slots, i, i+1)
	if i <= c.cursor {
		c.cursor--
	}
}

// pick returns the runnable slot with the highest priority. Ties go to the
// first slot after the one that ran last, so equal threads take turns.
func (c *core) pick(now uint64) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.slots)
	best := -1
	var priority uint32
	for k := 1; k <= n; k++ {
		i := (c.cursor + k) % n
		sl := c.slots[i]
		if !sl.runnable(now) {
			continue
		}
		if p := sl.thread.Priority(); best < 0 || p > priority {
			best, priority = i, p
		}
	}
	if best < 0 {
		return nil
	}
	c.cursor = best
	return c.slots[best]
}

func (c *core) run(stop <-chan struct{}) {
	defer c.sched.wg.Done()
	for {
		select {
		case <-stop:
			c.shutdown()
			return
		default:
		}

		sl := c.pick(c.sched.Ticks())
		if sl == nil {
			select {
			case <-stop:
			case <-c.wakeCh:
			}
			continue
		}
		c.step(sl)
	}
}

// step runs one batch of sl's thread, disposing of it if it terminates.
func (c *core) step(sl *slot) {
	th := sl.thread
	c.current.Store(th)
	defer c.current.Store(c.idle)

	if !sl.ready {
		th.SetUp()
		sl.ready = true
	}
	th.ResetPriority()
	sl.ranAt = c.sched.Ticks()
	if th.Run() {
		return
	}
	th.TearDown()
	c.sched.dispose(sl)
}

// shutdown tears down every thread still assigned to the core.
func (c *core) shutdown() {
	c.mu.Lock()
	c.closed = true
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()

	for _, sl := range slots {
		if sl.ready {
			c.current.Store(sl.thread)
			sl.thread.TearDown()
		}
		c.sched.dispose(sl)
	}
	c.current.Store(c.idle)
}
