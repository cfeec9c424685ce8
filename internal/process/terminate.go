package process

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the result of a termination request.
type Outcome string

const (
	Terminated Outcome = "terminated" // exited within the grace period
	Killed     Outcome = "killed"     // forced after the grace period
	NotFound   Outcome = "not_found"  // absent, a zombie, or not ours
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	// killSettle bounds how long we wait for a SIGKILLed process to leave
	// the process table before reporting.
	killSettle = 2 * time.Second
)

// Terminator stops processes by pid: a graceful signal first, then SIGKILL
// once the grace period runs out.
type Terminator struct {
	PollInterval time.Duration
	// Owns, when set, must confirm the pid still belongs to the caller's pool.
	// A pid that fails the check is reported as NotFound and never signalled.
	Owns func(ctx context.Context, pid int) bool
}

func (t *Terminator) poll() time.Duration {
	if t == nil || t.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return t.PollInterval
}

func (t *Terminator) present(ctx context.Context, pid int) bool {
	if pid <= 0 || !exists(pid) || isZombie(pid) {
		return false
	}
	if t != nil && t.Owns != nil && !t.Owns(ctx, pid) {
		return false
	}
	return true
}

// Terminate stops pid within grace. A process that is already gone is not
// an error. grace <= 0 escalates right after the graceful signal, and a
// cancelled ctx escalates immediately.
func (t *Terminator) Terminate(ctx context.Context, pid int, grace time.Duration) (Outcome, error) {
	if !t.present(ctx, pid) {
		return NotFound, nil
	}
	started := procStartTime(pid)
	if err := sendSignal(pid, sigTerm); err != nil {
		if isGone(err) {
			return Terminated, nil
		}
		return "", fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if t.waitExit(ctx, pid, started, grace) {
		return Terminated, nil
	}
	return t.forceKill(pid, started)
}

// Kill sends SIGKILL without a grace period.
func (t *Terminator) Kill(ctx context.Context, pid int) (Outcome, error) {
	if !t.present(ctx, pid) {
		return NotFound, nil
	}
	started := procStartTime(pid)
	out, err := t.forceKill(pid, started)
	if out == Terminated {
		// gone before the signal landed
		out = NotFound
	}
	return out, err
}

func (t *Terminator) forceKill(pid int, started time.Time) (Outcome, error) {
	if replaced(pid, started) {
		return Terminated, nil
	}
	if err := sendSignal(pid, sigKill); err != nil {
		if isGone(err) {
			return Terminated, nil
		}
		return "", fmt.Errorf("kill pid %d: %w", pid, err)
	}
	settle, cancel := context.WithTimeout(context.Background(), killSettle)
	defer cancel()
	t.waitExit(settle, pid, started, killSettle)
	return Killed, nil
}

// waitExit polls until pid exits or d elapses. It reports true when the
// process is gone. ctx cancellation ends the wait early with false.
func (t *Terminator) waitExit(ctx context.Context, pid int, started time.Time, d time.Duration) bool {
	if gone(pid, started) {
		return true
	}
	if d <= 0 {
		return false
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(t.poll())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return gone(pid, started)
		case <-deadline.C:
			return gone(pid, started)
		case <-tick.C:
			if gone(pid, started) {
				return true
			}
		}
	}
}

func gone(pid int, started time.Time) bool {
	return !exists(pid) || isZombie(pid) || replaced(pid, started)
}

// replaced reports whether pid now names a different process than the one
// that was started at started.
func replaced(pid int, started time.Time) bool {
	if started.IsZero() {
		return false
	}
	now := procStartTime(pid)
	return !now.IsZero() && !now.Equal(started)
}
