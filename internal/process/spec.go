package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

var ErrNoInterpreter = errors.New("process: interpreter is required")

// Spec describes how a worker is started. The command is executed directly,
// never through a shell.
type Spec struct {
	Interpreter string   `json:"interpreter"`           // executable path; relative paths resolve against WorkDir
	Args        []string `json:"args"`                  // arguments after the interpreter
	WorkDir     string   `json:"work_dir"`              // worker root, also the child's cwd
	Env         []string `json:"env,omitempty"`         // full environment; nil inherits the supervisor's
	StdoutPath  string   `json:"stdout_path,omitempty"` // appended to; empty means the null device
	StderrPath  string   `json:"stderr_path,omitempty"` // appended to; empty means the null device
}

// Validate checks what can be checked before spawning.
func (s Spec) Validate() error {
	if s.Interpreter == "" {
		return ErrNoInterpreter
	}
	if s.WorkDir != "" {
		fi, err := os.Stat(s.WorkDir)
		if err != nil {
			return fmt.Errorf("process: workdir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("process: workdir %s is not a directory", s.WorkDir)
		}
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for the spec without starting it.
// Output redirection and session attributes are applied by the Launcher.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the interpreter and args come from operator configuration
	cmd := exec.Command(s.Interpreter, s.Args...)
	cmd.Dir = s.WorkDir
	if s.Env != nil {
		cmd.Env = append([]string(nil), s.Env...)
	}
	return cmd
}

func outputPath(p string) string {
	if p == "" {
		return os.DevNull
	}
	return p
}
