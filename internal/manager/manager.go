package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/poolkeeper/internal/cleanup"
	"github.com/loykin/poolkeeper/internal/heartbeat"
	"github.com/loykin/poolkeeper/internal/history"
	"github.com/loykin/poolkeeper/internal/metrics"
	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
	"github.com/loykin/poolkeeper/internal/sysinfo"
)

var (
	ErrInvalidCount   = errors.New("manager: desired count must not be negative")
	ErrAlreadyRunning = errors.New("manager: reconcile loop already running")
	ErrNoSuchWorker   = errors.New("manager: pid is not a pool worker")
)

const (
	DefaultTickInterval  = 10 * time.Second
	DefaultStaleAfter    = 3 * time.Minute
	DefaultStopGrace     = 10 * time.Second
	DefaultBulkStopGrace = 3 * time.Second
)

// Registry is the process table view the manager reconciles against.
type Registry interface {
	Snapshot(ctx context.Context) ([]registry.WorkerProcess, error)
	Get(ctx context.Context, pid int) (registry.WorkerProcess, bool)
}

// EvidenceReader supplies heartbeat evidence from the shared log.
type EvidenceReader interface {
	Read() (map[int]heartbeat.Evidence, error)
	Truncate() error
}

type Launcher interface {
	Launch(ctx context.Context) process.LaunchResult
}

type Terminator interface {
	Terminate(ctx context.Context, pid int, grace time.Duration) (process.Outcome, error)
	Kill(ctx context.Context, pid int) (process.Outcome, error)
}

// CleanupHook runs after a bulk stop.
type CleanupHook interface {
	Run(ctx context.Context) (cleanup.Result, error)
}

// HostProbe samples host metrics for Status.
type HostProbe func(ctx context.Context) (sysinfo.Snapshot, error)

// Config holds the reconcile parameters. Zero durations take the defaults.
type Config struct {
	Desired       int
	TickInterval  time.Duration
	StaleAfter    time.Duration
	StopGrace     time.Duration
	BulkStopGrace time.Duration
	// HoldStaleWhenPaused suspends stale-worker termination while paused.
	HoldStaleWhenPaused bool
	// Autostart begins in the enforcing state instead of paused.
	Autostart bool
	// SampleUsage publishes summed worker CPU and memory each tick.
	SampleUsage bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.BulkStopGrace <= 0 {
		c.BulkStopGrace = DefaultBulkStopGrace
	}
	if c.Desired < 0 {
		c.Desired = 0
	}
	return c
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Registry   Registry
	Evidence   EvidenceReader
	Launcher   Launcher
	Terminator Terminator
}

// State is the supervisor state shared with the control surface.
type State struct {
	Desired           int   `json:"desired"`
	Paused            bool  `json:"paused"`
	LifetimeCreated   int64 `json:"lifetime_created"`
	LifetimeCompleted int64 `json:"lifetime_completed"`
}

// Manager owns the supervisor state and runs the reconcile loop. Control
// requests go through its methods and use the same launcher and terminator
// as the loop.
type Manager struct {
	cfg      Config
	reg      Registry
	evidence EvidenceReader
	launcher Launcher
	term     Terminator
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped by Reset so in-flight ticks drop stale counts
	lastTick time.Time
	lastErr  string
	lastLive int
	// lastMalformed is the reader's skipped-line count at the last tick.
	lastMalformed int
	hist          *history.Recorder
	cleanup       CleanupHook
	host          HostProbe

	tickMu  sync.Mutex
	running atomic.Bool
}

func New(cfg Config, deps Deps, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		reg:      deps.Registry,
		evidence: deps.Evidence,
		launcher: deps.Launcher,
		term:     deps.Terminator,
		log:      log,
		now:      time.Now,
		state:    State{Desired: cfg.Desired, Paused: !cfg.Autostart},
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SetHistory configures where lifecycle events are recorded. nil disables it.
func (m *Manager) SetHistory(r *history.Recorder) {
	m.mu.Lock()
	m.hist = r
	m.mu.Unlock()
}

// SetCleanupHook configures the hook RequestStopAll runs after stopping workers.
func (m *Manager) SetCleanupHook(h CleanupHook) {
	m.mu.Lock()
	m.cleanup = h
	m.mu.Unlock()
}

// SetHostProbe configures the host metrics source for Status.
func (m *Manager) SetHostProbe(p HostProbe) {
	m.mu.Lock()
	m.host = p
	m.mu.Unlock()
}

// State returns a copy of the current supervisor state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SetDesired(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}
	m.mu.Lock()
	m.state.Desired = n
	st := m.state
	m.mu.Unlock()
	m.log.Info("desired count set", "action", "scale", "desired", n)
	m.publish(st, -1)
	return nil
}

// Pause suspends desired-count enforcement. Running workers are left alone.
func (m *Manager) Pause() {
	m.setPaused(true)
}

// Resume restores desired-count enforcement from the next tick on.
func (m *Manager) Resume() {
	m.setPaused(false)
}

func (m *Manager) setPaused(p bool) {
	m.mu.Lock()
	changed := m.state.Paused != p
	m.state.Paused = p
	st := m.state
	m.mu.Unlock()
	if changed {
		action := "resume"
		if p {
			action = "pause"
		}
		m.log.Info("pool "+action+"d", "action", action)
	}
	m.publish(st, -1)
}

// RequestLaunch starts one worker outside the tick cadence. It counts toward
// LifetimeCreated like a tick launch.
func (m *Manager) RequestLaunch(ctx context.Context) (int, error) {
	return m.launch(ctx, "request")
}

// RequestStop terminates one pool worker with grace (the configured stop
// grace when grace <= 0). A pid that is not a pool member yields NotFound.
func (m *Manager) RequestStop(ctx context.Context, pid int, grace time.Duration) (process.Outcome, error) {
	if grace <= 0 {
		grace = m.cfg.StopGrace
	}
	if _, ok := m.reg.Get(ctx, pid); !ok {
		return process.NotFound, nil
	}
	return m.terminate(ctx, pid, grace, "request")
}

// RequestKill sends SIGKILL to one pool worker.
func (m *Manager) RequestKill(ctx context.Context, pid int) (process.Outcome, error) {
	if _, ok := m.reg.Get(ctx, pid); !ok {
		return process.NotFound, nil
	}
	out, err := m.term.Kill(ctx, pid)
	m.observeTermination(ctx, pid, "kill", out, err)
	return out, err
}

// RequestStopAll pauses the pool so nothing is relaunched, stops every live
// worker concurrently with the bulk grace period, then runs the cleanup hook.
func (m *Manager) RequestStopAll(ctx context.Context) (map[int]process.Outcome, error) {
	m.Pause()
	live, err := m.reg.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("stop all: snapshot: %w", err)
	}
	pids := make([]int, 0, len(live))
	for _, w := range live {
		pids = append(pids, w.PID)
	}
	res := m.terminateAll(ctx, pids, m.cfg.BulkStopGrace, "stop_all")

	m.mu.Lock()
	hook := m.cleanup
	m.mu.Unlock()
	if hook != nil {
		if cres, err := hook.Run(ctx); err != nil {
			m.log.Warn("cleanup hook failed", "action", "cleanup", "err", err)
		} else {
			for _, o := range cres {
				metrics.IncTermination("cleanup", string(o))
			}
		}
	}
	return res, nil
}

// Reset truncates the heartbeat log and zeroes the lifetime counters.
// A tick already in progress finishes but cannot write pre-reset counts.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.evidence.Truncate(); err != nil {
		return fmt.Errorf("reset: truncate log: %w", err)
	}
	m.mu.Lock()
	m.gen++
	m.state.LifetimeCreated = 0
	m.state.LifetimeCompleted = 0
	st := m.state
	hist := m.hist
	m.mu.Unlock()
	m.log.Info("counters reset", "action", "reset")
	m.publish(st, -1)
	_ = hist.Record(ctx, history.Event{Type: history.EventReset})
	return nil
}

func (m *Manager) launch(ctx context.Context, reason string) (int, error) {
	res := m.launcher.Launch(ctx)
	m.mu.Lock()
	hist := m.hist
	if res.Err == nil {
		m.state.LifetimeCreated++
	}
	m.mu.Unlock()

	ev := history.Event{Type: history.EventLaunch, PID: res.PID, Reason: reason}
	if res.Err != nil {
		metrics.IncLaunchFailure()
		m.log.Warn("launch failed", "action", "launch", "reason", reason, "err", res.Err)
		ev.Error = res.Err.Error()
		_ = hist.Record(ctx, ev)
		return 0, res.Err
	}
	metrics.IncLaunch()
	m.log.Info("worker launched", "pid", res.PID, "action", "launch", "reason", reason)
	_ = hist.Record(ctx, ev)
	return res.PID, nil
}

func (m *Manager) terminate(ctx context.Context, pid int, grace time.Duration, reason string) (process.Outcome, error) {
	out, err := m.term.Terminate(ctx, pid, grace)
	m.observeTermination(ctx, pid, reason, out, err)
	return out, err
}

func (m *Manager) observeTermination(ctx context.Context, pid int, reason string, out process.Outcome, err error) {
	m.mu.Lock()
	hist := m.hist
	m.mu.Unlock()
	typ := history.EventTerminate
	if reason == "kill" {
		typ = history.EventKill
	}
	ev := history.Event{Type: typ, PID: pid, Reason: reason, Outcome: string(out)}
	if err != nil {
		ev.Error = err.Error()
		m.log.Warn("terminate failed", "pid", pid, "action", "terminate", "reason", reason, "err", err)
		metrics.IncTermination(reason, "error")
	} else {
		m.log.Info("worker terminated", "pid", pid, "action", "terminate", "reason", reason, "outcome", out)
		metrics.IncTermination(reason, string(out))
	}
	_ = hist.Record(ctx, ev)
}

// publish pushes state gauges; live < 0 leaves the live gauge as last set by a tick.
func (m *Manager) publish(st State, live int) {
	if live < 0 {
		m.mu.Lock()
		live = m.lastLive
		m.mu.Unlock()
	}
	metrics.SetPoolState(live, st.Desired, st.Paused, st.LifetimeCompleted)
}
