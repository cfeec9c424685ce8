//go:build !windows

package process

import (
	"errors"
	"syscall"
)

var (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// exists reports whether pid is in the process table. EPERM means the
// process exists but belongs to someone else.
func exists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
