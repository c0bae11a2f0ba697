package interp

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Frame is one level of a runtime call stack. Back links to the caller's
// frame. Frames are immutable once linked, so the sampler may traverse a
// captured frame chain after the thread has moved on.
type Frame struct {
	Function string
	File     string
	Line     int
	Back     *Frame
}

// ExceptionInfo is the topmost in-flight exception on a thread.
type ExceptionInfo struct {
	Type      string
	Traceback *Frame
}

// ThreadState is the per-thread interpreter state: the thread's current frame
// pointer and its pending exception. The owning thread writes both; the
// sampler reads them while the thread table is frozen.
type ThreadState struct {
	id     ThreadID
	native NativeID
	interp *Interp

	frame atomic.Pointer[Frame]
	exc   atomic.Pointer[ExceptionInfo]
}

// ID returns the runtime thread id.
func (ts *ThreadState) ID() ThreadID { return ts.id }

// NativeThreadID returns the OS thread id recorded at attach time.
func (ts *ThreadState) NativeThreadID() NativeID { return ts.native }

// Frame returns the thread's current frame pointer, nil when the thread is
// not executing runtime code.
func (ts *ThreadState) Frame() *Frame { return ts.frame.Load() }

// SetFrame replaces the thread's current frame pointer.
func (ts *ThreadState) SetFrame(f *Frame) { ts.frame.Store(f) }

// PushFrame enters a new call level on top of the current frame.
func (ts *ThreadState) PushFrame(function, file string, line int) *Frame {
	f := &Frame{Function: function, File: file, Line: line, Back: ts.frame.Load()}
	ts.frame.Store(f)
	return f
}

// PopFrame leaves the current call level.
func (ts *ThreadState) PopFrame() {
	if f := ts.frame.Load(); f != nil {
		ts.frame.Store(f.Back)
	}
}

// Exception returns the pending exception, nil when none is in flight.
func (ts *ThreadState) Exception() *ExceptionInfo { return ts.exc.Load() }

// SetException records an in-flight exception on the thread.
func (ts *ThreadState) SetException(excType string, traceback *Frame) {
	ts.exc.Store(&ExceptionInfo{Type: excType, Traceback: traceback})
}

// ClearException drops the pending exception.
func (ts *ThreadState) ClearException() {
	ts.exc.Store(nil)
}

// Thread is the runtime-registry view of a thread: its user-visible name and
// native id. Distinct from ThreadState the way a threading-library thread
// object is distinct from the interpreter's thread state.
type Thread struct {
	ID        ThreadID
	Native    NativeID
	HasNative bool
	Name      string
}

// objectHash derives a stable per-thread hash used as the native-id fallback.
func (t *Thread) objectHash() NativeID {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.ID))
	return NativeID(xxh3.Hash(buf[:]))
}
