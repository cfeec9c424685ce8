//go:build windows

package process

import (
	"syscall"
	"time"
)

// procStartTime returns when pid was created, or the zero time.
func procStartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	h, err := syscall.OpenProcess(processQueryLimited, false, uint32(pid))
	if err != nil {
		return time.Time{}
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var creation, exit, kernel, user syscall.Filetime
	if err := syscall.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return time.Time{}
	}
	return time.Unix(0, creation.Nanoseconds())
}

// Exited Windows processes do not linger in a zombie state.
func isZombie(int) bool { return false }
