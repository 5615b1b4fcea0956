// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import (
	"sync"

	"github.com/alkhe/runtime/kthread"
)

// chunkSize is the number of messages per node in the queue's linked list.
const chunkSize = 128

// chunkPool recycles exhausted chunks across every mailbox.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked list. pos is the first
// unused slot.
type chunk struct {
	msgs [chunkSize]kthread.Message
	next *chunk
	pos  int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.next = nil
	return c
}

// returnChunk clears the message slots so the pool does not retain them.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.msgs[i] = nil
	}
	c.pos = 0
	c.next = nil
	chunkPool.Put(c)
}

// queue is a chunked FIFO. It is NOT thread-safe.
type queue struct {
	head   *chunk
	tail   *chunk
	length int
}

func (q *queue) push(msg kthread.Message) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.msgs) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.msgs[q.tail.pos] = msg
	q.tail.pos++
	q.length++
}

// drain appends every queued message to dst, in arrival order, and returns
// the exhausted chunks to the pool.
func (q *queue) drain(dst []kthread.Message) []kthread.Message {
	for c := q.head; c != nil; c = c.next {
		dst = append(dst, c.msgs[:c.pos]...)
	}
	q.reset()
	return dst
}

func (q *queue) reset() {
	for c := q.head; c != nil; {
		next := c.next
		returnChunk(c)
		c = next
	}
	q.head = nil
	q.tail = nil
	q.length = 0
}

// mailbox is a thread's multi-producer, single-consumer message queue. It
// implements [kthread.Endpoint].
type mailbox struct {
	mu     sync.Mutex
	q      queue
	id     kthread.ThreadID
	closed bool
}

func newMailbox(id kthread.ThreadID) *mailbox {
	return &mailbox{id: id}
}

// ID implements [kthread.Endpoint].
func (m *mailbox) ID() kthread.ThreadID { return m.id }

// Drain implements [kthread.Endpoint].
func (m *mailbox) Drain() []kthread.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.length == 0 {
		return nil
	}
	return m.q.drain(make([]kthread.Message, 0, m.q.length))
}

func (m *mailbox) push(msg kthread.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kthread.ErrThreadTerminated
	}
	m.q.push(msg)
	return nil
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.length
}

// close rejects further pushes and discards the queue, returning the number
// of messages that were never delivered.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	n := m.q.length
	m.q.reset()
	return n
}
