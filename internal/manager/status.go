package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/poolkeeper/internal/registry"
	"github.com/loykin/poolkeeper/internal/sysinfo"
)

// WorkerStatus is one live worker as shown to the control surface.
type WorkerStatus struct {
	PID           int        `json:"pid"`
	Completed     int        `json:"completed"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	LaunchedAt    time.Time  `json:"launched_at"`
	Stale         bool       `json:"stale"`
}

// Status is the pool overview: live workers, host metrics and supervisor state.
type Status struct {
	LiveWorkers []WorkerStatus `json:"live_workers"`
	sysinfo.Snapshot
	State
	LastTick      time.Time `json:"last_tick,omitempty"`
	LastTickError string    `json:"last_tick_error,omitempty"`
	// LoopRunning is false when only on-demand ticks drive the pool.
	LoopRunning bool `json:"loop_running"`
	// MalformedLines counts heartbeat log lines skipped since the last reset.
	MalformedLines int `json:"malformed_lines"`
}

// WorkerDetail adds process details and resource usage to WorkerStatus.
type WorkerDetail struct {
	WorkerStatus
	Exe   string               `json:"exe,omitempty"`
	Cwd   string               `json:"cwd,omitempty"`
	Usage sysinfo.ProcessUsage `json:"usage"`
}

// Status scans the process table and the heartbeat log now; it does not
// wait for the next tick. The supervisor state is reported as of the last
// tick: queries never write it.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	live, err := m.reg.Snapshot(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: snapshot: %w", err)
	}
	workers, _, readErr := m.annotate(live)
	if readErr != nil {
		m.log.Warn("heartbeat log unreadable", "action", "status", "err", readErr)
	}
	now := m.now()
	out := Status{LiveWorkers: make([]WorkerStatus, 0, len(workers))}
	for _, w := range workers {
		out.LiveWorkers = append(out.LiveWorkers, m.workerStatus(w, now))
	}

	m.mu.Lock()
	out.State = m.state
	out.LastTick = m.lastTick
	out.LastTickError = m.lastErr
	out.LoopRunning = m.Running()
	probe := m.host
	m.mu.Unlock()
	out.MalformedLines = m.malformedLines()

	if probe != nil {
		snap, err := probe(ctx)
		if err != nil {
			m.log.Debug("host metrics incomplete", "err", err)
		}
		out.Snapshot = snap
	}
	return out, nil
}

// Worker returns details for one pool worker.
func (m *Manager) Worker(ctx context.Context, pid int) (WorkerDetail, error) {
	w, ok := m.reg.Get(ctx, pid)
	if !ok {
		return WorkerDetail{}, fmt.Errorf("%w: %d", ErrNoSuchWorker, pid)
	}
	workers, _, err := m.annotate([]registry.WorkerProcess{w})
	if err != nil {
		m.log.Warn("heartbeat log unreadable", "pid", pid, "action", "worker", "err", err)
	}
	w = workers[0]
	d := WorkerDetail{WorkerStatus: m.workerStatus(w, m.now()), Exe: w.Exe, Cwd: w.Cwd}
	if u, err := sysinfo.Process(ctx, pid); err == nil {
		d.Usage = u
	}
	return d, nil
}

func (m *Manager) workerStatus(w registry.WorkerProcess, now time.Time) WorkerStatus {
	return WorkerStatus{
		PID:           w.PID,
		Completed:     w.Completed,
		LastHeartbeat: w.LastHeartbeat,
		LaunchedAt:    w.LaunchedAt,
		Stale:         m.isStale(w, now),
	}
}
