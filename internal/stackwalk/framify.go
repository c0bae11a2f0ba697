package stackwalk

import (
	"fmt"

	"stack_exporter/internal/exporter"
	"stack_exporter/internal/interp"
)

// maxChainLength bounds frame-chain traversal. A chain longer than this is
// treated as corrupt (a Back cycle) rather than a very deep stack.
const maxChainLength = 1 << 16

// Framify converts a captured frame chain into symbolic frames, innermost
// first, truncated to maxN levels. The returned count is the full depth of
// the chain, which may exceed len(frames).
func Framify(f *interp.Frame, maxN int) ([]exporter.Frame, int, error) {
	frames := make([]exporter.Frame, 0, maxN)
	nframes := 0
	for ; f != nil; f = f.Back {
		nframes++
		if nframes > maxChainLength {
			return nil, 0, fmt.Errorf("frame chain exceeds %d levels, assuming a cycle", maxChainLength)
		}
		if nframes <= maxN {
			frames = append(frames, exporter.Frame{
				Function: f.Function,
				File:     f.File,
				Line:     f.Line,
			})
		}
	}
	return frames, nframes, nil
}

// FramifyTraceback converts an exception traceback chain. Tracebacks link the
// same way frames do, so the conversion is shared.
func FramifyTraceback(tb *interp.Frame, maxN int) ([]exporter.Frame, int, error) {
	return Framify(tb, maxN)
}
