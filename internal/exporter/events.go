package exporter

import (
	"stack_exporter/internal/interp"
)

// Frame is one symbolized stack level, innermost first in event frame lists.
type Frame struct {
	Function string
	File     string
	Line     int
}

// StackSample is one thread's stack observed by a sampling pass, with the
// wall and CPU time attributed to it and the trace ids of the leaf spans
// active on the thread when the frame was captured.
type StackSample struct {
	ThreadID         interp.ThreadID
	ThreadNativeID   interp.NativeID
	ThreadName       string
	TraceIDs         []string
	Frames           []Frame
	NFrames          int
	WallTimeNS       int64
	CPUTimeNS        int64
	SamplingPeriodNS int64
}

// ExceptionSample is a thread's topmost in-flight exception observed by a
// sampling pass. Exceptions carry no wall/cpu attribution.
type ExceptionSample struct {
	ThreadID         interp.ThreadID
	ThreadNativeID   interp.NativeID
	ThreadName       string
	Frames           []Frame
	NFrames          int
	SamplingPeriodNS int64
	ExcType          string
}

// Batch carries every event produced by one sampling pass.
type Batch struct {
	Stacks     []StackSample
	Exceptions []ExceptionSample
}

// Empty reports whether the batch carries no events.
func (b *Batch) Empty() bool {
	return len(b.Stacks) == 0 && len(b.Exceptions) == 0
}
