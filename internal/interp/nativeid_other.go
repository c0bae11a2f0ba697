//go:build !linux

package interp

// currentNativeID reports that no OS thread id is available on this platform;
// callers fall back to the stable object hash.
func currentNativeID() (NativeID, bool) {
	return 0, false
}
