// Package sched is a reference scheduler for [kthread] threads.
//
// A [Scheduler] owns a fixed number of cores. Each core is a goroutine that
// repeatedly picks the highest priority thread assigned to it with work to
// do, and runs one batch of that thread's messages. A thread's priority is
// incremented by every message pushed to it and reset whenever it runs.
// Threads are assigned to cores round-robin when spawned, and never migrate.
//
// A single tick source advances the scheduler's tick counter, which is the
// clock for kernel.setTimeout, and offers each tick to the thread running on
// every core, which is how long running scripts get preempted.
//
// Host code starts root threads with [Scheduler.Start] or [Scheduler.Exec],
// and may message any live thread with [Scheduler.Push],
// [Scheduler.Evaluate], and [Scheduler.RaiseIRQ].
package sched
