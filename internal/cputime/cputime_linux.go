//go:build linux

package cputime

import (
	"golang.org/x/sys/unix"

	"stack_exporter/internal/interp"
)

// Per-thread CPU clock id for a kernel task, as encoded by the kernel's posix
// timer machinery: ((~tid) << 3) | CPUCLOCK_SCHED | CPUCLOCK_PERTHREAD_MASK.
// This is what pthread_getcpuclockid(3) computes for a live thread.
const (
	cpuClockSched         = 2
	cpuClockPerThreadMask = 4
)

func threadCPUClockID(tid interp.NativeID) int32 {
	return (^int32(tid))<<3 | (cpuClockSched | cpuClockPerThreadMask)
}

// threadCPUTimeNS reads a thread's CPU clock. Fails with ESRCH/EINVAL when
// the task is gone or the id was never a real task id (hash fallback).
func threadCPUTimeNS(tid interp.NativeID) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(threadCPUClockID(tid), &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Nano()), nil
}

// processCPUTimeNS reads the process-wide CPU clock.
func processCPUTimeNS() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_PROCESS_CPUTIME_ID, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Nano()), nil
}

// PerThreadSupported probes the calling thread's own CPU clock.
func PerThreadSupported() bool {
	_, err := threadCPUTimeNS(interp.NativeID(unix.Gettid()))
	return err == nil
}

// ThreadTimes reads each live thread's CPU clock and caches the last reading
// per ThreadKey. Keys absent from a call's live set are evicted, so the cache
// holds exactly the threads observed in the most recent pass.
type ThreadTimes struct {
	last map[ThreadKey]uint64

	// readThread is the per-thread clock source, replaceable in tests.
	readThread func(tid interp.NativeID) (uint64, error)
}

// NewThreadTimes creates the per-thread variant.
func NewThreadTimes() Times {
	return &ThreadTimes{
		last:       make(map[ThreadKey]uint64),
		readThread: threadCPUTimeNS,
	}
}

// Delta implements Times.
func (t *ThreadTimes) Delta(live map[interp.ThreadID]interp.NativeID) map[interp.ThreadID]uint64 {
	deltas := make(map[interp.ThreadID]uint64, len(live))
	next := make(map[ThreadKey]uint64, len(live))

	for tid, native := range live {
		key := ThreadKey{RuntimeID: tid, NativeID: native}
		prev, seen := t.last[key]

		cur, err := t.readThread(native)
		if err != nil {
			// Thread died or the clock is unreadable: reuse the cached
			// reading, which yields a zero delta for this pass.
			cur = prev
		}

		var d uint64
		if seen && cur > prev {
			// An id-reuse collision can make cur < prev; clamp to zero.
			d = cur - prev
		}
		deltas[tid] = d
		next[key] = cur
	}

	// Dropping the old map evicts every key not present in the input set.
	t.last = next
	return deltas
}
