//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Detach puts cmd in a new session with no controlling terminal. Workers
// and the daemonized supervisor both outlive the process that started them.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}
