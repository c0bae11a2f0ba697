package interp

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryBootstrap(t *testing.T) {
	reg := NewRegistry()

	bootID := reg.BootstrapThreadID()
	if bootID == 0 {
		t.Fatal("Expected a nonzero bootstrap thread id")
	}

	th, ok := reg.LookupThread(bootID)
	if !ok {
		t.Fatal("Bootstrap thread missing from registry")
	}
	if th.Name != MainThreadName {
		t.Errorf("Expected bootstrap thread name %q, got %q", MainThreadName, th.Name)
	}
	if reg.BootstrapNativeID() != th.Native {
		t.Errorf("Bootstrap native id %d does not match registry %d", reg.BootstrapNativeID(), th.Native)
	}
}

func TestRegistryForgetThreadKeepsState(t *testing.T) {
	reg := NewRegistry()
	bootID := reg.BootstrapThreadID()

	// Fiber patching evicts the thread object; the thread state stays live.
	reg.ForgetThread(bootID)

	if _, ok := reg.LookupThread(bootID); ok {
		t.Error("Expected bootstrap thread to be evicted from registry")
	}
	if reg.BootstrapThreadID() != bootID {
		t.Error("Bootstrap id must survive registry eviction")
	}
	if reg.BootstrapNativeID() == 0 && nativeIDAvailable() {
		t.Error("Bootstrap native id must survive registry eviction")
	}
}

func nativeIDAvailable() bool {
	_, ok := currentNativeID()
	return ok
}

func TestAttachDetach(t *testing.T) {
	reg := NewRegistry()
	in := reg.MainInterp()

	ts := in.AttachThread("worker")
	if ts.ID() == reg.BootstrapThreadID() {
		t.Fatal("New thread got the bootstrap id")
	}

	th, ok := reg.LookupThread(ts.ID())
	if !ok {
		t.Fatal("Attached thread missing from registry")
	}
	if th.Name != "worker" {
		t.Errorf("Expected name 'worker', got %q", th.Name)
	}

	ts.Detach()
	if _, ok := reg.LookupThread(ts.ID()); ok {
		t.Error("Detached thread still in registry")
	}
	if _, ok := reg.CurrentFrames()[ts.ID()]; ok {
		t.Error("Detached thread still in current-frames snapshot")
	}
}

func TestAttachDefaultName(t *testing.T) {
	reg := NewRegistry()
	ts := reg.MainInterp().AttachThread("")
	defer ts.Detach()

	th, _ := reg.LookupThread(ts.ID())
	if th.Name == "" {
		t.Error("Expected a default thread name")
	}
}

func TestFrameStack(t *testing.T) {
	reg := NewRegistry()
	ts := reg.MainInterp().AttachThread("frames")
	defer ts.Detach()

	if ts.Frame() != nil {
		t.Fatal("Fresh thread has a frame")
	}

	outer := ts.PushFrame("outer", "app.x", 10)
	inner := ts.PushFrame("inner", "app.x", 42)
	if inner.Back != outer {
		t.Error("Inner frame does not link to outer")
	}
	if ts.Frame() != inner {
		t.Error("Current frame is not the innermost")
	}

	ts.PopFrame()
	if ts.Frame() != outer {
		t.Error("Pop did not restore the outer frame")
	}
	ts.PopFrame()
	if ts.Frame() != nil {
		t.Error("Pop did not empty the stack")
	}
	ts.PopFrame() // no-op on empty stack
}

func TestExceptionLifecycle(t *testing.T) {
	reg := NewRegistry()
	ts := reg.MainInterp().AttachThread("exc")
	defer ts.Detach()

	if ts.Exception() != nil {
		t.Fatal("Fresh thread has a pending exception")
	}

	tb := &Frame{Function: "boom", File: "app.x", Line: 7}
	ts.SetException("ValueError", tb)
	e := ts.Exception()
	if e == nil || e.Type != "ValueError" || e.Traceback != tb {
		t.Errorf("Unexpected exception info: %+v", e)
	}

	ts.ClearException()
	if ts.Exception() != nil {
		t.Error("Exception survived ClearException")
	}
}

func TestCurrentFramesSnapshot(t *testing.T) {
	reg := NewRegistry()
	ts := reg.MainInterp().AttachThread("snap")
	defer ts.Detach()

	ts.PushFrame("work", "app.x", 1)

	frames := reg.CurrentFrames()
	if f, ok := frames[ts.ID()]; !ok || f.Function != "work" {
		t.Errorf("Snapshot missing thread frame: %+v", frames)
	}
	// The bootstrap thread has no frame and must not appear.
	if _, ok := frames[reg.BootstrapThreadID()]; ok {
		t.Error("Snapshot contains frameless bootstrap thread")
	}
}

func TestHeadLockBlocksAttach(t *testing.T) {
	reg := NewRegistry()
	in := reg.MainInterp()

	if !reg.TryLockThreads() {
		t.Fatal("TryLockThreads failed on an idle registry")
	}

	attached := make(chan *ThreadState, 1)
	go func() {
		attached <- in.AttachThread("blocked")
	}()

	select {
	case <-attached:
		t.Fatal("AttachThread completed while the thread table was frozen")
	case <-time.After(50 * time.Millisecond):
	}

	reg.UnlockThreads()
	select {
	case ts := <-attached:
		ts.Detach()
	case <-time.After(2 * time.Second):
		t.Fatal("AttachThread did not complete after unlock")
	}
}

func TestTryLockContention(t *testing.T) {
	reg := NewRegistry()
	if !reg.TryLockThreads() {
		t.Fatal("First TryLockThreads failed")
	}
	var second bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second = reg.TryLockThreads()
	}()
	wg.Wait()
	if second {
		t.Error("TryLockThreads succeeded while the lock was held")
	}
	reg.UnlockThreads()
}

func TestThreadsLockedEnumeratesAllInterps(t *testing.T) {
	reg := NewRegistry()
	second := reg.NewInterp()
	ts := second.AttachThread("sub")
	defer ts.Detach()

	if !reg.TryLockThreads() {
		t.Fatal("TryLockThreads failed")
	}
	seen := map[ThreadID]bool{}
	reg.ThreadsLocked(func(ts *ThreadState) {
		seen[ts.ID()] = true
	})
	reg.UnlockThreads()

	if !seen[reg.BootstrapThreadID()] {
		t.Error("Enumeration missed the bootstrap thread")
	}
	if !seen[ts.ID()] {
		t.Error("Enumeration missed the sub-interpreter thread")
	}
}
