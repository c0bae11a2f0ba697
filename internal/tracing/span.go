package tracing

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stack_exporter/internal/interp"
)

// Span represents a single unit of work. The profiler holds spans only
// weakly; a span abandoned by its creator is collectable regardless of how
// many samples referenced it.
type Span struct {
	traceID  string
	spanID   string
	name     string
	threadID interp.ThreadID
	parent   *Span

	start    time.Time
	duration atomic.Int64
	finished atomic.Bool

	tracer *Tracer
}

func newSpan(t *Tracer, tid interp.ThreadID, name string, parent *Span) *Span {
	s := &Span{
		spanID:   uuid.NewString(),
		name:     name,
		threadID: tid,
		parent:   parent,
		start:    t.clock.Now(),
		tracer:   t,
	}
	if parent != nil {
		s.traceID = parent.traceID
	} else {
		s.traceID = uuid.NewString()
	}
	return s
}

// TraceID returns the id of the trace this span belongs to.
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns the span's own id.
func (s *Span) SpanID() string { return s.spanID }

// Name returns the operation name.
func (s *Span) Name() string { return s.name }

// ThreadID returns the runtime thread the span was started on.
func (s *Span) ThreadID() interp.ThreadID { return s.threadID }

// Parent returns the enclosing span, nil for a root span.
func (s *Span) Parent() *Span { return s.parent }

// Finished reports whether Finish has been called. Read by the sampler
// without any tracer lock held.
func (s *Span) Finished() bool { return s.finished.Load() }

// Duration returns the span duration, zero until finished.
func (s *Span) Duration() time.Duration {
	return time.Duration(s.duration.Load())
}

// Finish completes the span. Safe to call multiple times; subsequent calls
// are no-ops.
func (s *Span) Finish() {
	if s.finished.CompareAndSwap(false, true) {
		s.duration.Store(int64(s.tracer.clock.Since(s.start)))
		s.tracer.spanFinished(s)
	}
}
