package spanlink

import (
	"runtime"
	"testing"

	"stack_exporter/internal/interp"
	"stack_exporter/internal/tracing"
)

// newLinkedTracer wires a tracer so every started span lands in the links.
func newLinkedTracer(l *ThreadSpanLinks) *tracing.Tracer {
	tr := tracing.New()
	tr.OnStartSpan(l.LinkSpan)
	return tr
}

func containsSpan(spans []*tracing.Span, s *tracing.Span) bool {
	for _, x := range spans {
		if x == s {
			return true
		}
	}
	return false
}

func TestLeafSpansSingle(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	s := tr.StartSpan(1, "op")
	leaves := links.LeafSpans(1)
	if len(leaves) != 1 || leaves[0] != s {
		t.Fatalf("LeafSpans = %v, want the unfinished span", leaves)
	}

	s.Finish()
	if leaves := links.LeafSpans(1); len(leaves) != 0 {
		t.Errorf("Finished span still a leaf: %v", leaves)
	}
}

func TestLeafSpansParentChild(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	parent := tr.StartSpan(1, "parent")
	child := tr.StartSpan(1, "child")

	// An unfinished child hides its parent: the sample belongs to the child.
	leaves := links.LeafSpans(1)
	if len(leaves) != 1 || leaves[0] != child {
		t.Fatalf("LeafSpans = %v, want only the child", leaves)
	}

	// Once the child finishes the parent is the leaf again.
	child.Finish()
	leaves = links.LeafSpans(1)
	if len(leaves) != 1 || leaves[0] != parent {
		t.Fatalf("LeafSpans after child finish = %v, want only the parent", leaves)
	}
}

func TestLeafSpansDeepChain(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	tr.StartSpan(1, "a")
	tr.StartSpan(1, "b")
	c := tr.StartSpan(1, "c")

	leaves := links.LeafSpans(1)
	if len(leaves) != 1 || leaves[0] != c {
		t.Fatalf("LeafSpans = %v, want only the innermost span", leaves)
	}
}

func TestLeafSpansSiblings(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	parent := tr.StartSpan(1, "parent")
	first := tr.StartSpan(1, "first")
	first.Finish()
	second := tr.StartSpan(1, "second")

	leaves := links.LeafSpans(1)
	if containsSpan(leaves, parent) {
		t.Error("Parent with an unfinished child reported as leaf")
	}
	if containsSpan(leaves, first) {
		t.Error("Finished sibling reported as leaf")
	}
	if !containsSpan(leaves, second) {
		t.Error("Unfinished sibling missing from leaves")
	}
}

func TestLeafSpansThreadsIsolated(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	a := tr.StartSpan(1, "a")
	tr.StartSpan(2, "b")

	leaves := links.LeafSpans(1)
	if len(leaves) != 1 || leaves[0] != a {
		t.Fatalf("LeafSpans(1) = %v, want only thread 1's span", leaves)
	}
	if leaves := links.LeafSpans(99); len(leaves) != 0 {
		t.Errorf("LeafSpans on unlinked thread = %v, want empty", leaves)
	}
}

func TestClearThreads(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	tr.StartSpan(1, "a")
	tr.StartSpan(2, "b")
	tr.StartSpan(3, "c")

	live := map[interp.ThreadID]struct{}{1: {}, 3: {}}
	links.ClearThreads(live)

	if len(links.LeafSpans(2)) != 0 {
		t.Error("Departed thread still has spans")
	}
	if len(links.LeafSpans(1)) != 1 || len(links.LeafSpans(3)) != 1 {
		t.Error("Live threads lost their spans")
	}

	// Idempotence: a second ClearThreads with the same set changes nothing.
	before := links.Len()
	links.ClearThreads(live)
	if links.Len() != before {
		t.Errorf("Second ClearThreads changed the table: %d -> %d", before, links.Len())
	}
}

// startCollectable starts and finishes a span without retaining a reference,
// so nothing keeps it alive after the call returns.
//
//go:noinline
func startCollectable(tr *tracing.Tracer, tid interp.ThreadID) {
	s := tr.StartSpan(tid, "ephemeral")
	s.Finish()
}

func TestSpanGCPrunesLinks(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	startCollectable(tr, 5)
	if links.linkCount(5) != 1 {
		t.Fatalf("Expected 1 live link before GC, got %d", links.linkCount(5))
	}

	// Two cycles: the first clears the weak pointers, the second reclaims.
	runtime.GC()
	runtime.GC()

	if n := links.linkCount(5); n != 0 {
		t.Errorf("Expected links to vanish after GC, got %d live", n)
	}
	if leaves := links.LeafSpans(5); len(leaves) != 0 {
		t.Errorf("LeafSpans after GC = %v, want empty", leaves)
	}
	// The snapshot pass also drops the emptied thread entry.
	if links.Len() != 0 {
		t.Errorf("Link table still holds %d threads after GC", links.Len())
	}
}

func TestLinkSpanConcurrentWithLeafSpans(t *testing.T) {
	links := New()
	tr := newLinkedTracer(links)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s := tr.StartSpan(1, "op")
			s.Finish()
		}
	}()
	for i := 0; i < 500; i++ {
		links.LeafSpans(1)
		links.ClearThreads(map[interp.ThreadID]struct{}{1: {}})
	}
	<-done
}
