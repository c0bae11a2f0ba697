// Package interp models the host runtime that owns the user threads this
// profiler samples: a set of interpreter instances, each with a table of
// thread states, all guarded by a single head lock. The sampler freezes the
// head lock to enumerate threads, which is what makes reading another
// thread's frame pointer and pending exception safe: no thread can attach or
// detach while the table is frozen.
package interp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"stack_exporter/internal/maps"
)

// ThreadID is the runtime's handle for a thread. Never reused within a
// registry's lifetime.
type ThreadID uint64

// NativeID is the OS-level thread id, or a stable object hash when the OS id
// is unavailable.
type NativeID uint64

// Interp is one interpreter instance in the host runtime.
type Interp struct {
	id      uint32
	reg     *Registry
	threads map[ThreadID]*ThreadState // guarded by reg.headMu
}

// Registry is the host runtime's table of interpreters and their threads.
//
// Two views exist side by side. The authoritative view (interps -> threads)
// is guarded by the head lock and is what the sampler enumerates. The
// derived views (states, threads) are concurrent maps that tolerate reads
// while the head lock is contended; they back the best-effort current-frames
// snapshot and the thread-name registry.
type Registry struct {
	headMu  sync.Mutex // the runtime thread-table mutex
	interps []*Interp

	nextTID atomic.Uint64
	nextIID atomic.Uint32

	// states mirrors every attached ThreadState for the lock-free
	// current-frames fallback.
	states maps.ConcurrentMap[uint64, *ThreadState]

	// threads is the runtime-visible thread registry (names, native ids).
	// Threads may be renamed or evicted here independently of the state
	// table, e.g. by cooperative-fiber patching.
	threads maps.ConcurrentMap[uint64, *Thread]

	// bootID and bootNative identify the bootstrap thread, recorded before
	// any patching can touch the registry. The bootstrap thread is always
	// reported as "MainThread", registry eviction notwithstanding.
	bootID     ThreadID
	bootNative NativeID
}

// MainThreadName is the fixed name of the bootstrap thread.
const MainThreadName = "MainThread"

// NewRegistry creates a registry with a single interpreter and attaches the
// calling thread as the bootstrap "MainThread". Call it from the process's
// main thread, before any threading patching runs, so the bootstrap id and
// its native id are captured unpatched.
func NewRegistry() *Registry {
	r := &Registry{
		states:  maps.NewConcurrentMap[uint64, *ThreadState](),
		threads: maps.NewConcurrentMap[uint64, *Thread](),
	}
	in := r.NewInterp()
	main := in.AttachThread(MainThreadName)
	r.bootID = main.ID()
	r.bootNative = main.NativeThreadID()
	return r
}

// NewInterp adds a new interpreter instance to the registry.
func (r *Registry) NewInterp() *Interp {
	in := &Interp{
		id:      r.nextIID.Add(1),
		reg:     r,
		threads: make(map[ThreadID]*ThreadState),
	}
	r.headMu.Lock()
	r.interps = append(r.interps, in)
	r.headMu.Unlock()
	return in
}

// MainInterp returns the bootstrap interpreter.
func (r *Registry) MainInterp() *Interp {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	return r.interps[0]
}

// BootstrapThreadID returns the id of the thread that created the registry.
func (r *Registry) BootstrapThreadID() ThreadID {
	return r.bootID
}

// BootstrapNativeID returns the OS id captured for the bootstrap thread at
// registry creation.
func (r *Registry) BootstrapNativeID() NativeID {
	return r.bootNative
}

// TryLockThreads freezes the thread table. While frozen no thread can attach
// or detach. Returns false when the lock is contended; callers fall back to
// CurrentFrames.
func (r *Registry) TryLockThreads() bool {
	return r.headMu.TryLock()
}

// UnlockThreads releases the thread table.
func (r *Registry) UnlockThreads() {
	r.headMu.Unlock()
}

// ThreadsLocked calls fn for every thread state of every interpreter. The
// caller must hold the thread-table lock. fn must not allocate through the
// registry, log, or block; it runs inside the runtime's critical section.
func (r *Registry) ThreadsLocked(fn func(*ThreadState)) {
	for _, in := range r.interps {
		for _, ts := range in.threads {
			fn(ts)
		}
	}
}

// CurrentFrames returns a best-effort snapshot of every live thread's current
// frame without freezing the thread table. Threads attaching or detaching
// concurrently may or may not be included.
func (r *Registry) CurrentFrames() map[ThreadID]*Frame {
	frames := make(map[ThreadID]*Frame)
	r.states.Range(func(key uint64, ts *ThreadState) bool {
		if f := ts.Frame(); f != nil {
			frames[ThreadID(key)] = f
		}
		return true
	})
	return frames
}

// LookupThread resolves a thread id in the runtime-visible thread registry.
func (r *Registry) LookupThread(id ThreadID) (*Thread, bool) {
	return r.threads.Load(uint64(id))
}

// ForgetThread evicts a thread from the runtime-visible registry without
// detaching its state. Cooperative-fiber patching does this to threads it
// re-homes onto fibers; the thread keeps running and keeps being sampled.
func (r *Registry) ForgetThread(id ThreadID) {
	r.threads.Delete(uint64(id))
}

// AttachThread creates a thread state for the calling OS thread and registers
// it in the interpreter's table and the runtime thread registry. An empty
// name gets the runtime's "Thread-N" default.
func (in *Interp) AttachThread(name string) *ThreadState {
	id := ThreadID(in.reg.nextTID.Add(1))
	if name == "" {
		name = fmt.Sprintf("Thread-%d", id)
	}

	ts := &ThreadState{id: id, interp: in}
	th := &Thread{ID: id, Name: name}
	if native, ok := currentNativeID(); ok {
		th.Native = native
		th.HasNative = true
		ts.native = native
	} else {
		// OS id unavailable: fall back to a stable hash of the thread object.
		th.Native = th.objectHash()
		ts.native = th.Native
	}

	in.reg.headMu.Lock()
	in.threads[id] = ts
	in.reg.headMu.Unlock()

	in.reg.states.Store(uint64(id), ts)
	in.reg.threads.Store(uint64(id), th)
	return ts
}

// Detach removes the thread from its interpreter's table and the thread
// registry. Must be called by the owning thread when it exits.
func (ts *ThreadState) Detach() {
	reg := ts.interp.reg
	reg.headMu.Lock()
	delete(ts.interp.threads, ts.id)
	reg.headMu.Unlock()

	reg.states.Delete(uint64(ts.id))
	reg.threads.Delete(uint64(ts.id))
}
