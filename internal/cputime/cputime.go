// Package cputime charges CPU nanoseconds to runtime threads between
// consecutive sampling passes.
//
// Two variants exist. On Linux each thread is read through its per-thread
// POSIX CPU clock, keyed by the (runtime id, native id) pair so that a kernel
// thread-id reused by a new thread cannot inherit the dead thread's counter.
// Off Linux, or when per-thread clocks are disabled or unavailable, a
// process-wide reading is divided evenly across the live threads: unfair per
// pass, unbiased in aggregate.
package cputime

import (
	"stack_exporter/internal/interp"
)

// ThreadKey is the composite identity a per-thread clock reading is cached
// under. Native ids may be reused by the OS after a thread dies; the pair is
// stable-unique for practical purposes.
type ThreadKey struct {
	RuntimeID interp.ThreadID
	NativeID  interp.NativeID
}

// Times returns the CPU nanoseconds consumed by each live thread since the
// previous call. Implementations never return an error: a thread whose clock
// cannot be read is charged zero for the pass.
//
// The live set is the caller's snapshot of the frozen thread table; stale
// entries only cost a zero delta.
type Times interface {
	Delta(live map[interp.ThreadID]interp.NativeID) map[interp.ThreadID]uint64
}

// ProcessTimes divides the process-wide CPU delta evenly across live threads.
type ProcessTimes struct {
	lastNS uint64

	// readCPU is the process clock source, replaceable in tests.
	readCPU func() (uint64, error)
}

// NewProcessTimes creates the process-wide fallback, anchored at the current
// process CPU reading so the first delta covers only the first pass.
func NewProcessTimes() *ProcessTimes {
	t := &ProcessTimes{readCPU: processCPUTimeNS}
	t.lastNS, _ = t.readCPU()
	return t
}

// Delta implements Times.
func (t *ProcessTimes) Delta(live map[interp.ThreadID]interp.NativeID) map[interp.ThreadID]uint64 {
	deltas := make(map[interp.ThreadID]uint64, len(live))

	now, err := t.readCPU()
	if err != nil {
		// Unreadable clock: charge nothing this pass.
		for tid := range live {
			deltas[tid] = 0
		}
		return deltas
	}

	var delta uint64
	if now > t.lastNS {
		delta = now - t.lastNS
	}
	t.lastNS = now

	if len(live) == 0 {
		return deltas
	}
	share := delta / uint64(len(live))
	for tid := range live {
		deltas[tid] = share
	}
	return deltas
}
