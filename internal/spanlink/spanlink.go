// Package spanlink maintains the mapping from runtime threads to the spans
// currently active on them. Spans are held through weak pointers: linking a
// span never extends its lifetime, and a span collected by the garbage
// collector vanishes from the mapping without explicit removal.
package spanlink

import (
	"sync"
	"weak"

	"stack_exporter/internal/interp"
	"stack_exporter/internal/tracing"
)

// ThreadSpanLinks maps each runtime thread to weak references to the spans
// started on it. Finished spans stay in the set; an entry goes away when its
// span is garbage-collected or its thread leaves the live set.
//
// The mutex guards only map and set mutation, including snapshotting. Span
// inspection (finished flags, parent chains) happens on local snapshots with
// the lock released, so the tracer's span-start callback is never blocked
// behind a walk of span objects.
type ThreadSpanLinks struct {
	mu    sync.Mutex
	links map[interp.ThreadID]map[weak.Pointer[tracing.Span]]struct{}
}

// New creates an empty link table.
func New() *ThreadSpanLinks {
	return &ThreadSpanLinks{
		links: make(map[interp.ThreadID]map[weak.Pointer[tracing.Span]]struct{}),
	}
}

// LinkSpan binds a span to the thread that started it. Registered as the
// tracer's span-start callback, so it runs synchronously on that thread.
func (l *ThreadSpanLinks) LinkSpan(span *tracing.Span) {
	wp := weak.Make(span)

	l.mu.Lock()
	set, ok := l.links[span.ThreadID()]
	if !ok {
		set = make(map[weak.Pointer[tracing.Span]]struct{})
		l.links[span.ThreadID()] = set
	}
	set[wp] = struct{}{}
	l.mu.Unlock()
}

// ClearThreads drops link entries for threads not in the live set. Called
// once per sampling pass, before attribution. Calling it twice with the same
// set is equivalent to calling it once.
func (l *ThreadSpanLinks) ClearThreads(live map[interp.ThreadID]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tid := range l.links {
		if _, ok := live[tid]; !ok {
			delete(l.links, tid)
		}
	}
}

// LeafSpans returns the unfinished leaf spans on a thread: spans with no
// unfinished child in the current link set. A sample taken while a child is
// running belongs to the child, not the parent.
func (l *ThreadSpanLinks) LeafSpans(tid interp.ThreadID) []*tracing.Span {
	// Snapshot under the lock, promoting weak pointers to strong references.
	// Dead pointers are pruned while we are here.
	l.mu.Lock()
	set := l.links[tid]
	snapshot := make(map[*tracing.Span]struct{}, len(set))
	for wp := range set {
		if s := wp.Value(); s != nil {
			snapshot[s] = struct{}{}
		} else {
			delete(set, wp)
		}
	}
	if set != nil && len(set) == 0 {
		delete(l.links, tid)
	}
	l.mu.Unlock()

	// Leaf determination runs on the snapshot, outside the lock. Every
	// original member is visited, including spans removed along the way, so
	// an unfinished chain is pruned all the way up.
	all := make([]*tracing.Span, 0, len(snapshot))
	for s := range snapshot {
		all = append(all, s)
	}
	for _, s := range all {
		if !s.Finished() && s.Parent() != nil {
			delete(snapshot, s.Parent())
		}
	}

	leaves := make([]*tracing.Span, 0, len(snapshot))
	for s := range snapshot {
		if !s.Finished() {
			leaves = append(leaves, s)
		}
	}
	return leaves
}

// Len reports the number of threads with at least one link. Used by tests.
func (l *ThreadSpanLinks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.links)
}

// linkCount counts the live (not yet collected) links on a thread.
func (l *ThreadSpanLinks) linkCount(tid interp.ThreadID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for wp := range l.links[tid] {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}
