// Package tracing is a minimal in-process tracer: enough span machinery for
// the profiler to correlate samples with in-flight work. The collector only
// consumes the start-callback contract; nothing in the sampling path depends
// on this package's internals.
package tracing

import (
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"

	"stack_exporter/internal/interp"
)

// StartHandler is called synchronously on each span start, from the thread
// that started the span.
type StartHandler func(span *Span)

type handlerEntry struct {
	id      uint64
	handler StartHandler
}

// Tracer manages span lifecycle and start notifications.
// Safe for concurrent use by multiple goroutines.
type Tracer struct {
	handlersMu sync.RWMutex
	handlers   []handlerEntry
	nextID     atomic.Uint64
	clock      clockz.Clock

	// active tracks the innermost unfinished span per runtime thread, so
	// spans started without an explicit parent nest naturally.
	active sync.Map // interp.ThreadID -> *Span
}

// New creates a new tracer using the real clock.
func New() *Tracer {
	return &Tracer{clock: clockz.RealClock}
}

// NewWithClock creates a tracer with an injected clock for deterministic
// tests.
func NewWithClock(clock clockz.Clock) *Tracer {
	return &Tracer{clock: clock}
}

// OnStartSpan registers a handler called on every span start. Returns a
// handler id for deregistration.
func (t *Tracer) OnStartSpan(handler StartHandler) uint64 {
	if handler == nil {
		return 0
	}
	id := t.nextID.Add(1)

	t.handlersMu.Lock()
	t.handlers = append(t.handlers, handlerEntry{id: id, handler: handler})
	t.handlersMu.Unlock()
	return id
}

// DeregisterOnStartSpan removes a previously registered start handler.
func (t *Tracer) DeregisterOnStartSpan(id uint64) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	for i, entry := range t.handlers {
		if entry.id == id {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			return
		}
	}
}

// StartSpan starts a span on the given runtime thread. The parent is the
// thread's innermost unfinished span, if any; the span inherits its parent's
// trace id, a root span gets a fresh one. Handlers run synchronously on the
// calling thread before StartSpan returns.
func (t *Tracer) StartSpan(tid interp.ThreadID, name string) *Span {
	var parent *Span
	if v, ok := t.active.Load(tid); ok {
		parent = v.(*Span)
	}

	s := newSpan(t, tid, name, parent)
	t.active.Store(tid, s)

	t.handlersMu.RLock()
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersMu.RUnlock()

	// Handlers run outside the lock; a handler registering or deregistering
	// must not deadlock.
	for _, entry := range handlers {
		entry.handler(s)
	}
	return s
}

// spanFinished restores the nearest unfinished ancestor as the thread's
// active span; parents that finished out of order are skipped.
func (t *Tracer) spanFinished(s *Span) {
	if v, ok := t.active.Load(s.threadID); ok && v.(*Span) == s {
		p := s.parent
		for p != nil && p.Finished() {
			p = p.parent
		}
		if p != nil {
			t.active.Store(s.threadID, p)
		} else {
			t.active.Delete(s.threadID)
		}
	}
}
