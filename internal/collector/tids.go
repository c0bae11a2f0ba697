package collector

import (
	"stack_exporter/internal/interp"
	"stack_exporter/internal/maps"
)

// profilerTIDs is the process-wide set of runtime thread ids owned by the
// profiler subsystem. Written on sampler thread start/stop, read during every
// enumeration pass. Contention is negligible either way.
var profilerTIDs = maps.NewConcurrentMap[uint64, struct{}]()

func registerProfilerThread(tid interp.ThreadID) {
	profilerTIDs.Store(uint64(tid), struct{}{})
}

func deregisterProfilerThread(tid interp.ThreadID) {
	profilerTIDs.Delete(uint64(tid))
}

// IsProfilerThread reports whether a runtime thread belongs to a running
// sampler.
func IsProfilerThread(tid interp.ThreadID) bool {
	_, ok := profilerTIDs.Load(uint64(tid))
	return ok
}

// ProfilerThreadIDs snapshots the registered sampler thread ids.
func ProfilerThreadIDs() []interp.ThreadID {
	var ids []interp.ThreadID
	profilerTIDs.Range(func(key uint64, _ struct{}) bool {
		ids = append(ids, interp.ThreadID(key))
		return true
	})
	return ids
}
