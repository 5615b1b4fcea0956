// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

import (
	"slices"
	"sync"
	"time"
)

// Metrics is a snapshot of a thread's runtime statistics, see
// [WithMetrics] and [Thread.Metrics].
type Metrics struct {
	// Batches counts Run calls that dispatched at least one message.
	Batches uint64
	// Messages counts dispatched messages.
	Messages uint64
	// Exceptions counts uncaught script exceptions, including compile
	// errors.
	Exceptions uint64
	// Preemptions counts script invocations unwound by the tick source.
	Preemptions uint64
	// Stale counts messages skipped because their correlation id was no
	// longer pending.
	Stale uint64
	// QueueMax is the largest batch observed.
	QueueMax int
	// Latency is the wall time spent dispatching each batch.
	Latency Latency
}

// Latency holds percentiles over the most recent batches.
type Latency struct {
	P50     time.Duration
	P90     time.Duration
	P99     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Samples int
}

// sampleSize is the number of latency samples retained.
const sampleSize = 1000

// metrics accumulates statistics. Writers are the owning core, readers may
// be anywhere.
type metrics struct {
	mu          sync.Mutex
	current     Metrics
	samples     [sampleSize]time.Duration
	sampleIdx   int
	sampleCount int
	sum         time.Duration
}

func (m *metrics) batch(messages int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.Batches++
	m.current.Messages += uint64(messages)
	if messages > m.current.QueueMax {
		m.current.QueueMax = messages
	}

	if m.sampleCount >= sampleSize {
		m.sum -= m.samples[m.sampleIdx]
	}
	m.samples[m.sampleIdx] = elapsed
	m.sum += elapsed
	m.sampleIdx = (m.sampleIdx + 1) % sampleSize
	if m.sampleCount < sampleSize {
		m.sampleCount++
	}
}

func (m *metrics) exception() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.current.Exceptions++
	m.mu.Unlock()
}

func (m *metrics) preemption() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.current.Preemptions++
	m.mu.Unlock()
}

func (m *metrics) stale() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.current.Stale++
	m.mu.Unlock()
}

func (m *metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.current
	count := m.sampleCount
	if count == 0 {
		return out
	}
	sorted := slices.Clone(m.samples[:count])
	slices.Sort(sorted)
	out.Latency = Latency{
		P50:     sorted[percentileIndex(count, 50)],
		P90:     sorted[percentileIndex(count, 90)],
		P99:     sorted[percentileIndex(count, 99)],
		Max:     sorted[count-1],
		Mean:    m.sum / time.Duration(count),
		Samples: count,
	}
	return out
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
