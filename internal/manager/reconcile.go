package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/loykin/poolkeeper/internal/metrics"
	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
	"github.com/loykin/poolkeeper/internal/sysinfo"
)

// Run ticks until ctx is cancelled. The first tick runs immediately.
// A failed tick is logged and the loop carries on.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.log.Info("reconcile loop started", "interval", m.cfg.TickInterval, "stale_after", m.cfg.StaleAfter)
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("reconcile tick failed", "action", "tick", "err", err)
		}
		select {
		case <-ctx.Done():
			m.log.Info("reconcile loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// Running reports whether Run is active.
func (m *Manager) Running() bool { return m.running.Load() }

// Tick runs one reconcile pass: at most one launch toward the desired count,
// then termination of every worker whose last heartbeat is older than
// StaleAfter. Panics are recovered and returned as errors.
func (m *Manager) Tick(ctx context.Context) (err error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("reconcile tick panic", "action", "tick", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tick panic: %v", r)
		}
		metrics.ObserveTick(time.Since(start).Seconds(), err != nil)
		m.finishTick(start, err)
	}()

	live, err := m.reg.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	st := m.State()

	if !st.Paused && len(live) < st.Desired {
		// One launch per tick; the next scan decides whether more are needed.
		_, _ = m.launch(ctx, "tick")
	}

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	workers, total, readErr := m.annotate(live)
	if readErr != nil {
		m.log.Warn("heartbeat log unreadable", "action", "read_log", "err", readErr)
	} else {
		m.mu.Lock()
		if m.gen == gen {
			m.state.LifetimeCompleted = total
		}
		m.mu.Unlock()
	}
	m.publishMalformed()

	if !st.Paused || !m.cfg.HoldStaleWhenPaused {
		if stale := m.stalePIDs(workers); len(stale) > 0 {
			m.terminateAll(ctx, stale, m.cfg.StopGrace, "stale")
		}
	}

	if m.cfg.SampleUsage {
		pids := make([]int, 0, len(live))
		for _, w := range live {
			pids = append(pids, w.PID)
		}
		u := sysinfo.Sum(ctx, pids)
		metrics.SetWorkerUsage(u.CPUPercent, u.RSSBytes)
	}

	m.mu.Lock()
	m.lastLive = len(live)
	st = m.state
	m.mu.Unlock()
	m.publish(st, len(live))
	if readErr != nil {
		return fmt.Errorf("read heartbeat log: %w", readErr)
	}
	return nil
}

func (m *Manager) finishTick(at time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = at
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
}

// annotate reads heartbeat evidence and attaches it to the snapshot. total
// is the completion count across every pid in the log. It does not touch
// State. On a read error the snapshot is returned without evidence so
// nothing is judged stale.
func (m *Manager) annotate(live []registry.WorkerProcess) (workers []registry.WorkerProcess, total int64, err error) {
	ev, err := m.evidence.Read()
	if err != nil {
		return registry.Annotate(live, nil), 0, err
	}
	for _, e := range ev {
		total += int64(e.Completed)
	}
	return registry.Annotate(live, ev), total, nil
}

// malformedLines reports lines the evidence reader could not parse, when
// the reader keeps count.
func (m *Manager) malformedLines() int {
	if c, ok := m.evidence.(interface{ Skipped() int }); ok {
		return c.Skipped()
	}
	return 0
}

func (m *Manager) publishMalformed() {
	n := m.malformedLines()
	m.mu.Lock()
	grew := n > m.lastMalformed
	m.lastMalformed = n
	m.mu.Unlock()
	if grew {
		m.log.Debug("malformed heartbeat lines skipped", "action", "read_log", "count", n)
	}
	metrics.SetMalformedLines(n)
}

// isStale requires positive evidence of silence: a worker that never wrote
// a heartbeat is not stale.
func (m *Manager) isStale(w registry.WorkerProcess, now time.Time) bool {
	return w.LastHeartbeat != nil && now.Sub(*w.LastHeartbeat) > m.cfg.StaleAfter
}

func (m *Manager) stalePIDs(workers []registry.WorkerProcess) []int {
	now := m.now()
	var out []int
	for _, w := range workers {
		if m.isStale(w, now) {
			m.log.Info("worker stale", "pid", w.PID, "action", "terminate", "last_heartbeat", *w.LastHeartbeat)
			out = append(out, w.PID)
		}
	}
	return out
}

// terminateAll stops pids concurrently and waits for all of them. A panic in
// one termination is logged and does not affect the others.
func (m *Manager) terminateAll(ctx context.Context, pids []int, grace time.Duration, reason string) map[int]process.Outcome {
	res := make(map[int]process.Outcome, len(pids))
	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, pid := range pids {
		wg.Go(func() {
			out, err := m.terminate(ctx, pid, grace, reason)
			if err != nil {
				return
			}
			mu.Lock()
			res[pid] = out
			mu.Unlock()
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		m.log.Error("termination panic", "action", "terminate", "reason", reason, "panic", r.String())
	}
	return res
}
