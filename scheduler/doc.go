// Package scheduler implements the bounded worker pool and delay-ordered
// scheduled-task set described in spec.md §4.1. It underpins every timeout
// and background maintenance task in the session: channel-acquisition
// timeouts, the heartbeat clock, and the distributed-reclamation drain all
// go through a *Scheduler.
//
// # Design
//
// A [Scheduler] owns two things: a LIFO pool of idle worker goroutines (for
// cache affinity, per spec.md §4.1) used by [Scheduler.Execute], and a
// container/heap-backed delay set used by [Scheduler.Schedule]. A single
// runner goroutine times its wait against the delay set's head deadline and,
// on expiry, pops the head and submits it to the worker pool.
//
// Cancelling a scheduled task (via the [Cancellation] returned by Schedule)
// removes it from the delay set in O(log n), immediately -- not at the next
// poll -- which spec.md calls out as the primary reason for a bespoke
// scheduler rather than a generic one from the standard library or
// elsewhere: a naive delay queue that merely tombstones cancelled entries
// until they reach the head would violate the O(log n)-cancellation
// property (spec.md §8 property 8, §9).
package scheduler
