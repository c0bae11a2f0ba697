//go:build !linux

package cputime

import (
	"golang.org/x/sys/unix"
)

// processCPUTimeNS reads the process CPU usage via getrusage: user plus
// system time.
func processCPUTimeNS() (uint64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	user := uint64(ru.Utime.Sec)*1e9 + uint64(ru.Utime.Usec)*1e3
	sys := uint64(ru.Stime.Sec)*1e9 + uint64(ru.Stime.Usec)*1e3
	return user + sys, nil
}

// PerThreadSupported reports that per-thread CPU clocks need the Linux posix
// clock encoding; other platforms use the process-wide fallback.
func PerThreadSupported() bool {
	return false
}

// NewThreadTimes degrades to the process-wide variant off Linux.
func NewThreadTimes() Times {
	return NewProcessTimes()
}
