// Package poolkeeper keeps a fixed number of identical worker processes
// alive. Workers are discovered from the OS process table, judged stale from
// heartbeat lines they append to a shared log, and replaced when they die or
// go silent.
package poolkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/poolkeeper/internal/auth"
	"github.com/loykin/poolkeeper/internal/cleanup"
	cfg "github.com/loykin/poolkeeper/internal/config"
	"github.com/loykin/poolkeeper/internal/heartbeat"
	"github.com/loykin/poolkeeper/internal/history"
	"github.com/loykin/poolkeeper/internal/history/factory"
	"github.com/loykin/poolkeeper/internal/manager"
	"github.com/loykin/poolkeeper/internal/metrics"
	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
	iapi "github.com/loykin/poolkeeper/internal/server"
	"github.com/loykin/poolkeeper/internal/sysinfo"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type State = manager.State

type Status = manager.Status

type WorkerDetail = manager.WorkerDetail

type Outcome = process.Outcome

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	Terminated = process.Terminated
	Killed     = process.Killed
	NotFound   = process.NotFound
)

var (
	ErrInvalidCount   = manager.ErrInvalidCount
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNoSuchWorker   = manager.ErrNoSuchWorker
	// ErrPoolLocked means another Serve already supervises this heartbeat log.
	ErrPoolLocked = errors.New("poolkeeper: pool is supervised by another process")
)

// shutdownTimeout bounds how long Serve waits for HTTP listeners to drain.
const shutdownTimeout = 5 * time.Second

// DefaultConfig returns a config holding the built-in defaults. Set
// Pool.Interpreter and Pool.WorkDir before passing it to New.
func DefaultConfig() *Config { return cfg.Default() }

// LoadConfig reads a TOML config file; see internal/config for the keys.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Supervisor wires the reconciliation engine to the OS process table, the
// heartbeat log and the configured history sinks.
type Supervisor struct {
	cfg    *Config
	mgr    *manager.Manager
	reader *heartbeat.Reader
	hist   *history.Recorder
	log    *slog.Logger
}

// New builds a Supervisor from c, resolving its relative paths in place.
// It does not start the reconcile loop.
func New(c *Config, log *slog.Logger) (*Supervisor, error) {
	if c == nil {
		return nil, errors.New("poolkeeper: nil config")
	}
	if err := c.Normalize(); err != nil {
		return nil, fmt.Errorf("poolkeeper: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("poolkeeper: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pool", c.Pool.Name)

	spec, err := c.ProcessSpec()
	if err != nil {
		return nil, fmt.Errorf("poolkeeper: worker spec: %w", err)
	}
	sinks, err := factory.NewSinks(c.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("poolkeeper: history: %w", err)
	}

	lister := registry.OSLister{}
	reg := registry.New(lister, c.Identity(), log)
	reader := heartbeat.NewReader(c.Heartbeat.Path)
	term := &process.Terminator{Owns: reg.Owns}
	mgr := manager.New(c.ManagerConfig(), manager.Deps{
		Registry:   reg,
		Evidence:   reader,
		Launcher:   process.NewLauncher(spec, log),
		Terminator: term,
	}, log)

	hist := history.NewRecorder(c.Pool.Name, log, sinks...)
	mgr.SetHistory(hist)
	if len(c.Cleanup.ProcessNames) > 0 {
		// the cleanup terminator has no ownership check: helpers are not pool members
		mgr.SetCleanupHook(&cleanup.Hook{
			Names:  c.Cleanup.ProcessNames,
			Grace:  c.Cleanup.Grace,
			Lister: lister,
			Term:   &process.Terminator{},
			Log:    log,
		})
	}
	diskPath := c.Pool.WorkDir
	mgr.SetHostProbe(func(ctx context.Context) (sysinfo.Snapshot, error) {
		return sysinfo.Collect(ctx, diskPath)
	})

	return &Supervisor{cfg: c, mgr: mgr, reader: reader, hist: hist, log: log}, nil
}

// Run runs the reconcile loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error { return s.mgr.Run(ctx) }

// Tick runs one reconcile pass synchronously.
func (s *Supervisor) Tick(ctx context.Context) error { return s.mgr.Tick(ctx) }

func (s *Supervisor) State() State                    { return s.mgr.State() }
func (s *Supervisor) SetDesired(n int) error          { return s.mgr.SetDesired(n) }
func (s *Supervisor) Pause()                          { s.mgr.Pause() }
func (s *Supervisor) Resume()                         { s.mgr.Resume() }
func (s *Supervisor) Reset(ctx context.Context) error { return s.mgr.Reset(ctx) }

func (s *Supervisor) Launch(ctx context.Context) (int, error) { return s.mgr.RequestLaunch(ctx) }

func (s *Supervisor) Stop(ctx context.Context, pid int, grace time.Duration) (Outcome, error) {
	return s.mgr.RequestStop(ctx, pid, grace)
}

func (s *Supervisor) Kill(ctx context.Context, pid int) (Outcome, error) {
	return s.mgr.RequestKill(ctx, pid)
}

func (s *Supervisor) StopAll(ctx context.Context) (map[int]Outcome, error) {
	return s.mgr.RequestStopAll(ctx)
}

func (s *Supervisor) Status(ctx context.Context) (Status, error) { return s.mgr.Status(ctx) }

func (s *Supervisor) Worker(ctx context.Context, pid int) (WorkerDetail, error) {
	return s.mgr.Worker(ctx, pid)
}

// AddHistorySink sends lifecycle events to sink in addition to the
// configured DSNs.
func (s *Supervisor) AddHistorySink(sink HistorySink) {
	s.hist.AddSink(sink)
}

// Handler returns the control API mounted at basePath, protected by the
// configured tokens. It can be mounted in any router.
func (s *Supervisor) Handler(basePath string) http.Handler {
	return s.router(basePath).Handler()
}

func (s *Supervisor) router(basePath string) *iapi.Router {
	return iapi.NewRouter(s.mgr, basePath,
		iapi.WithTokens(auth.Tokens{Admin: s.cfg.Server.AdminToken, Control: s.cfg.Server.ControlToken}),
		iapi.WithLogPath(s.reader.Path()),
		iapi.WithLogger(s.log),
	)
}

// Serve runs the reconcile loop plus the configured HTTP listeners until
// ctx is cancelled, then shuts the listeners down.
func (s *Supervisor) Serve(ctx context.Context) error {
	lock := flock.New(s.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire pool lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrPoolLocked, lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var servers []*iapi.Server
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
	}()

	if s.cfg.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		ms, err := iapi.NewMetricsServer(s.cfg.Metrics.Listen, s.log)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		s.log.Info("metrics listening", "addr", ms.Addr())
		servers = append(servers, ms)
	}
	if s.cfg.Server.Enabled {
		api, err := iapi.NewServer(s.cfg.Server.Listen, s.router(s.cfg.Server.BasePath),
			iapi.TLSOptions{
				CertFile:     s.cfg.Server.CertFile,
				KeyFile:      s.cfg.Server.KeyFile,
				MinVersion:   s.cfg.Server.TLSMinVersion,
				AutoGenerate: s.cfg.Server.TLSAutoGenerate,
			})
		if err != nil {
			return fmt.Errorf("api listener: %w", err)
		}
		s.log.Info("control api listening", "addr", api.Addr(), "base_path", s.cfg.Server.BasePath)
		servers = append(servers, api)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- s.mgr.Run(ctx) }()

	for _, srv := range servers {
		go func() {
			if err := <-srv.Done(); err != nil {
				s.log.Error("listener failed", "addr", srv.Addr(), "err", err)
				cancel()
			}
		}()
	}
	return <-loopErr
}

// LockPath is the file Serve locks so two supervisors never reconcile the
// same pool.
func (s *Supervisor) LockPath() string { return s.cfg.Heartbeat.Path + ".lock" }

// Running reports whether the reconcile loop started by Run or Serve is active.
func (s *Supervisor) Running() bool { return s.mgr.Running() }

// Close releases history sinks.
func (s *Supervisor) Close() error { return s.hist.Close() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
