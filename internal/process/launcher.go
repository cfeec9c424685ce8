package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LaunchResult is the outcome of one spawn attempt. Exactly one of PID and
// Err is set.
type LaunchResult struct {
	PID int
	Err error
}

// Launcher spawns detached workers. It does not track them after the spawn:
// whether a worker is still running is answered by the process registry.
type Launcher struct {
	spec Spec
	log  *slog.Logger
}

func NewLauncher(spec Spec, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{spec: spec, log: log}
}

// Launch starts one worker in its own session so it survives the supervisor.
// Failures are returned in the result, never panicked.
func (l *Launcher) Launch(ctx context.Context) LaunchResult {
	if err := ctx.Err(); err != nil {
		return LaunchResult{Err: err}
	}
	if err := l.spec.Validate(); err != nil {
		return LaunchResult{Err: err}
	}
	cmd := l.spec.BuildCommand()
	Detach(cmd)

	stdout, stderr, err := openOutputs(l.spec.StdoutPath, l.spec.StderrPath)
	if err != nil {
		return LaunchResult{Err: err}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Start()
	// The child holds its own descriptors once started.
	closeOutputs(stdout, stderr)
	if err != nil {
		return LaunchResult{Err: fmt.Errorf("launch %s: %w", l.spec.Interpreter, err)}
	}
	pid := cmd.Process.Pid
	// Reap the child while this supervisor lives so it never lingers as a
	// zombie that the registry would have to skip.
	go func() {
		err := cmd.Wait()
		l.log.Debug("worker exited", "pid", pid, "err", err)
	}()
	return LaunchResult{PID: pid}
}

func openOutputs(outPath, errPath string) (*os.File, *os.File, error) {
	outPath, errPath = outputPath(outPath), outputPath(errPath)
	stdout, err := openAppend(outPath)
	if err != nil {
		return nil, nil, err
	}
	if errPath == outPath {
		return stdout, stdout, nil
	}
	stderr, err := openAppend(errPath)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func openAppend(path string) (*os.File, error) {
	if path != os.DevNull {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("launch: output dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("launch: open output: %w", err)
	}
	return f, nil
}

func closeOutputs(stdout, stderr *os.File) {
	_ = stdout.Close()
	if stderr != stdout {
		_ = stderr.Close()
	}
}
