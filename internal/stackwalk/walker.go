// Package stackwalk implements one sampling pass over the host runtime: it
// freezes the runtime's thread table, harvests every thread's top frame and
// topmost in-flight exception, then attributes CPU time and span context to
// the captured stacks.
package stackwalk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"stack_exporter/internal/cputime"
	"stack_exporter/internal/exporter"
	"stack_exporter/internal/interp"
	"stack_exporter/internal/spanlink"
	"stack_exporter/internal/tracing"
)

// Options parameterizes one sampling pass.
type Options struct {
	// IgnoreProfiler drops events for the profiler's own threads.
	IgnoreProfiler bool

	// MaxNFrames bounds the symbolized depth of each captured stack.
	MaxNFrames int

	// IntervalS is the current sampling interval in seconds; events are
	// stamped with round(IntervalS * 1e9).
	IntervalS float64

	// WallTime is the wall clock elapsed since the previous pass.
	WallTime time.Duration

	// Times charges CPU nanoseconds to the live threads.
	Times cputime.Times

	// Links correlates threads with in-flight spans. May be nil.
	Links *spanlink.ThreadSpanLinks

	// IsProfilerThread reports whether a runtime thread belongs to the
	// profiler subsystem. May be nil when no sampler threads exist.
	IsProfilerThread func(interp.ThreadID) bool
}

// frameCapture pins one thread's top frame for the remainder of the pass.
type frameCapture struct {
	tid   interp.ThreadID
	frame *interp.Frame
}

// excCapture pins one thread's topmost in-flight exception.
type excCapture struct {
	tid       interp.ThreadID
	excType   string
	traceback *interp.Frame
}

// Walk performs one sampling pass and returns the events it produced. The
// pass holds no state; an error aborts the pass and loses its events. Span
// links have already been pruned and Times has already charged the pass's
// CPU delta by then, so that CPU time is lost with the events; both
// components stay usable for the next pass.
func Walk(reg *interp.Registry, opts Options) (exporter.Batch, error) {
	frames := make([]frameCapture, 0, 32)
	excs := make([]excCapture, 0, 4)

	// Freeze the thread table and capture references. Nothing in this block
	// may log, block, or call back into runtime machinery: the runtime's own
	// lock acquisition paths run against this mutex.
	if reg.TryLockThreads() {
		reg.ThreadsLocked(func(ts *interp.ThreadState) {
			if f := ts.Frame(); f != nil {
				frames = append(frames, frameCapture{tid: ts.ID(), frame: f})
			}
			if e := ts.Exception(); e != nil && e.Type != "" && e.Traceback != nil {
				excs = append(excs, excCapture{tid: ts.ID(), excType: e.Type, traceback: e.Traceback})
			}
		})
		reg.UnlockThreads()
	} else {
		// Table lock contended: degrade to the runtime's best-effort
		// current-frames snapshot. No exception enumeration on this path.
		for tid, f := range reg.CurrentFrames() {
			frames = append(frames, frameCapture{tid: tid, frame: f})
		}
	}

	// Live set: every thread that had a frame at capture time.
	live := make(map[interp.ThreadID]struct{}, len(frames))
	for i := range frames {
		live[frames[i].tid] = struct{}{}
	}

	// Span links for departed threads are dropped before attribution, while
	// the live set still includes the profiler's own threads.
	if opts.Links != nil {
		opts.Links.ClearThreads(live)
	}

	if opts.IgnoreProfiler && opts.IsProfilerThread != nil {
		for tid := range live {
			if opts.IsProfilerThread(tid) {
				delete(live, tid)
			}
		}
	}

	// Resolve identities, then charge CPU time. The delta is computed after
	// every frame was captured, so each event's CPU window ends at or after
	// its frame snapshot.
	natives := make(map[interp.ThreadID]interp.NativeID, len(live))
	names := make(map[interp.ThreadID]string, len(live))
	for tid := range live {
		natives[tid], names[tid] = resolveThread(reg, tid)
	}
	cpu := opts.Times.Delta(natives)

	periodNS := int64(math.Round(opts.IntervalS * 1e9))
	wallNS := opts.WallTime.Nanoseconds()

	var batch exporter.Batch
	batch.Stacks = make([]exporter.StackSample, 0, len(frames))
	for i := range frames {
		tid := frames[i].tid
		if _, ok := live[tid]; !ok {
			continue
		}

		var traceIDs []string
		if opts.Links != nil {
			traceIDs = traceIDSet(opts.Links.LeafSpans(tid))
		}

		symFrames, nframes, err := Framify(frames[i].frame, opts.MaxNFrames)
		if err != nil {
			return exporter.Batch{}, fmt.Errorf("failed to symbolize stack of thread %d: %w", tid, err)
		}

		batch.Stacks = append(batch.Stacks, exporter.StackSample{
			ThreadID:         tid,
			ThreadNativeID:   natives[tid],
			ThreadName:       names[tid],
			TraceIDs:         traceIDs,
			Frames:           symFrames,
			NFrames:          nframes,
			WallTimeNS:       wallNS,
			CPUTimeNS:        int64(cpu[tid]),
			SamplingPeriodNS: periodNS,
		})
	}

	for i := range excs {
		tid := excs[i].tid
		if _, ok := live[tid]; !ok {
			continue
		}

		symFrames, nframes, err := FramifyTraceback(excs[i].traceback, opts.MaxNFrames)
		if err != nil {
			return exporter.Batch{}, fmt.Errorf("failed to symbolize traceback of thread %d: %w", tid, err)
		}

		batch.Exceptions = append(batch.Exceptions, exporter.ExceptionSample{
			ThreadID:         tid,
			ThreadNativeID:   natives[tid],
			ThreadName:       names[tid],
			Frames:           symFrames,
			NFrames:          nframes,
			SamplingPeriodNS: periodNS,
			ExcType:          excs[i].excType,
		})
	}

	return batch, nil
}

// resolveThread maps a runtime thread id to its native id and name.
//
// The bootstrap thread is always "MainThread", even when cooperative-fiber
// patching has evicted it from the thread registry. Threads unknown to the
// registry keep their runtime id as the native id and get an anonymous name.
func resolveThread(reg *interp.Registry, tid interp.ThreadID) (interp.NativeID, string) {
	th, ok := reg.LookupThread(tid)

	var native interp.NativeID
	switch {
	case ok:
		native = th.Native
	case tid == reg.BootstrapThreadID():
		native = reg.BootstrapNativeID()
	default:
		native = interp.NativeID(tid)
	}

	var name string
	switch {
	case tid == reg.BootstrapThreadID():
		name = interp.MainThreadName
	case ok:
		name = th.Name
	default:
		name = fmt.Sprintf("Anonymous Thread %d", tid)
	}
	return native, name
}

// traceIDSet deduplicates and orders the trace ids of a span set.
func traceIDSet(spans []*tracing.Span) []string {
	if len(spans) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(spans))
	ids := make([]string, 0, len(spans))
	for _, s := range spans {
		id := s.TraceID()
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
