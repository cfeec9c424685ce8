//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
)

const (
	processTerminate      = 0x0001
	processQueryLimited   = 0x1000
	stillActive           = 259
	errInvalidParameter   = syscall.Errno(87)
	terminateExitCodeKill = 1
)

// Windows has no graceful signal for detached console processes; both
// signals end the process with TerminateProcess.
var (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

func sendSignal(pid int, _ syscall.Signal) error {
	h, err := syscall.OpenProcess(processTerminate, false, uint32(pid))
	if err != nil {
		if err == errInvalidParameter {
			return syscall.ESRCH
		}
		return err
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(terminateExitCodeKill))
	if ret == 0 {
		return callErr
	}
	return nil
}

func exists(pid int) bool {
	h, err := syscall.OpenProcess(processQueryLimited, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

func isGone(err error) bool {
	return err == syscall.ESRCH
}
