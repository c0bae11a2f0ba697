//go:build linux

package interp

import "golang.org/x/sys/unix"

// currentNativeID returns the calling thread's kernel task id. The caller is
// expected to be pinned to its OS thread for the id to stay meaningful.
func currentNativeID() (NativeID, bool) {
	return NativeID(unix.Gettid()), true
}
