package tracing

import (
	"testing"

	"github.com/zoobzio/clockz"
)

func TestStartSpanNotifiesHandlers(t *testing.T) {
	tr := New()

	var started []*Span
	id := tr.OnStartSpan(func(s *Span) {
		started = append(started, s)
	})
	defer tr.DeregisterOnStartSpan(id)

	s := tr.StartSpan(1, "op")
	if len(started) != 1 || started[0] != s {
		t.Fatalf("Handler saw %d spans, want the started one", len(started))
	}
	if s.Finished() {
		t.Error("Fresh span reports finished")
	}
	if s.TraceID() == "" || s.SpanID() == "" {
		t.Error("Span missing ids")
	}
	if s.ThreadID() != 1 {
		t.Errorf("Span thread id = %d, want 1", s.ThreadID())
	}
}

func TestDeregisterOnStartSpan(t *testing.T) {
	tr := New()

	calls := 0
	id := tr.OnStartSpan(func(*Span) { calls++ })

	tr.StartSpan(1, "first")
	tr.DeregisterOnStartSpan(id)
	tr.StartSpan(1, "second")

	if calls != 1 {
		t.Errorf("Handler called %d times, want 1", calls)
	}
}

func TestDeregisterUnknownID(t *testing.T) {
	tr := New()
	tr.DeregisterOnStartSpan(42) // no-op
}

func TestSpanNesting(t *testing.T) {
	tr := New()

	parent := tr.StartSpan(7, "parent")
	child := tr.StartSpan(7, "child")

	if child.Parent() != parent {
		t.Error("Child span does not point at parent")
	}
	if child.TraceID() != parent.TraceID() {
		t.Error("Child span has a different trace id")
	}

	// Finishing the child restores the parent as the active span.
	child.Finish()
	sibling := tr.StartSpan(7, "sibling")
	if sibling.Parent() != parent {
		t.Error("Sibling span does not point at parent after child finished")
	}

	sibling.Finish()
	parent.Finish()
	root := tr.StartSpan(7, "root2")
	if root.Parent() != nil {
		t.Error("New root span has a parent")
	}
	if root.TraceID() == parent.TraceID() {
		t.Error("New root span reused the finished trace id")
	}
}

func TestSpansIsolatedPerThread(t *testing.T) {
	tr := New()

	a := tr.StartSpan(1, "a")
	b := tr.StartSpan(2, "b")

	if b.Parent() != nil {
		t.Error("Span on thread 2 parented to thread 1's span")
	}
	if a.TraceID() == b.TraceID() {
		t.Error("Unrelated threads share a trace id")
	}
}

func TestFinishIdempotent(t *testing.T) {
	clock := clockz.NewFakeClock()
	tr := NewWithClock(clock)

	s := tr.StartSpan(1, "op")
	clock.Advance(100)
	s.Finish()
	d := s.Duration()
	clock.Advance(100)
	s.Finish()

	if !s.Finished() {
		t.Error("Span not finished")
	}
	if s.Duration() != d {
		t.Error("Second Finish changed the duration")
	}
}

func TestFinishOutOfOrder(t *testing.T) {
	tr := New()

	parent := tr.StartSpan(3, "parent")
	child := tr.StartSpan(3, "child")

	// Parent finishes first; the child must not become a root when it ends.
	parent.Finish()
	child.Finish()

	next := tr.StartSpan(3, "next")
	if next.Parent() == child || next.Parent() == parent {
		t.Error("Finished span still active on the thread")
	}
}
