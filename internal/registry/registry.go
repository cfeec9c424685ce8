package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/poolkeeper/internal/heartbeat"
)

// heartbeatSlack tolerates coarse process start times when deciding whether
// a heartbeat line predates the process that now owns its pid.
const heartbeatSlack = time.Second

// WorkerProcess is a live OS process that belongs to the pool at scan time.
type WorkerProcess struct {
	PID           int        `json:"pid"`
	LaunchedAt    time.Time  `json:"launched_at"`
	Exe           string     `json:"exe,omitempty"`
	Cwd           string     `json:"cwd,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Completed     int        `json:"completed"`
}

// Identity is the pool membership predicate: executable name plus a
// working directory at or below Root.
type Identity struct {
	Interpreter string
	Root        string
	// MatchName overrides the name derived from Interpreter, e.g. when the
	// interpreter is a wrapper that execs the real binary.
	MatchName string
}

func (id Identity) name() string {
	if id.MatchName != "" {
		return id.MatchName
	}
	return filepath.Base(id.Interpreter)
}

// MatchesName reports whether a process name or executable path is the
// pool's interpreter.
func (id Identity) MatchesName(name, exe string) bool {
	want := id.name()
	if want == "" || want == "." {
		return false
	}
	if name == want {
		return true
	}
	return exe != "" && filepath.Base(exe) == want
}

// UnderRoot reports whether dir equals Root or is nested inside it.
// Comparison is per path segment: /srv/w does not contain /srv/worker.
func (id Identity) UnderRoot(dir string) bool {
	if id.Root == "" || dir == "" {
		return false
	}
	root := filepath.Clean(id.Root)
	dir = filepath.Clean(dir)
	if dir == root || root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(dir, root+string(filepath.Separator))
}

// Registry scans the process table for pool members.
type Registry struct {
	lister Lister
	id     Identity
	self   int
	log    *slog.Logger
}

func New(l Lister, id Identity, log *slog.Logger) *Registry {
	if l == nil {
		l = OSLister{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{lister: l, id: id, self: os.Getpid(), log: log}
}

// Snapshot returns the pool members running right now, ordered by launch
// time then pid. Processes that vanish, turn zombie, or deny access while
// being inspected are left out.
func (r *Registry) Snapshot(ctx context.Context) ([]WorkerProcess, error) {
	procs, err := r.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerProcess, 0, 4)
	for _, p := range procs {
		if wp, ok := r.inspect(ctx, p); ok {
			out = append(out, wp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LaunchedAt.Equal(out[j].LaunchedAt) {
			return out[i].LaunchedAt.Before(out[j].LaunchedAt)
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

// Get returns the pool member with the given pid, if it is one.
func (r *Registry) Get(ctx context.Context, pid int) (WorkerProcess, bool) {
	if pid <= 0 {
		return WorkerProcess{}, false
	}
	p, err := r.lister.Get(ctx, pid)
	if err != nil {
		return WorkerProcess{}, false
	}
	return r.inspect(ctx, p)
}

// Owns reports whether pid is currently a pool member.
func (r *Registry) Owns(ctx context.Context, pid int) bool {
	_, ok := r.Get(ctx, pid)
	return ok
}

func (r *Registry) inspect(ctx context.Context, p Proc) (WorkerProcess, bool) {
	pid := p.PID()
	if pid <= 0 || pid == r.self {
		return WorkerProcess{}, false
	}
	name, err := p.Name(ctx)
	if err != nil {
		return WorkerProcess{}, false
	}
	var exe string
	if name != r.id.name() {
		// Names are truncated by some kernels; fall back to the exe path.
		if exe, err = p.Exe(ctx); err != nil {
			return WorkerProcess{}, false
		}
	}
	if !r.id.MatchesName(name, exe) {
		return WorkerProcess{}, false
	}
	cwd, err := p.Cwd(ctx)
	if err != nil || !r.id.UnderRoot(cwd) {
		return WorkerProcess{}, false
	}
	if z, err := p.Zombie(ctx); err != nil || z {
		return WorkerProcess{}, false
	}
	started, err := p.CreateTime(ctx)
	if err != nil {
		return WorkerProcess{}, false
	}
	if exe == "" {
		exe, _ = p.Exe(ctx)
	}
	return WorkerProcess{PID: pid, LaunchedAt: started, Exe: exe, Cwd: cwd}, true
}

// Annotate attaches heartbeat evidence to a snapshot. Log lines older than
// the process itself were written by an earlier owner of the pid and are
// ignored, so a reused pid inherits neither the silence nor the completions
// of another process.
func Annotate(procs []WorkerProcess, evidence map[int]heartbeat.Evidence) []WorkerProcess {
	out := make([]WorkerProcess, len(procs))
	for i, p := range procs {
		p.LastHeartbeat = nil
		p.Completed = 0
		if ev, ok := evidence[p.PID]; ok {
			since := p.LaunchedAt.Add(-heartbeatSlack)
			p.Completed = ev.CompletedSince(since)
			if ev.Seen() && !ev.LastHeartbeat.Before(since) {
				hb := ev.LastHeartbeat
				p.LastHeartbeat = &hb
			}
		}
		out[i] = p
	}
	return out
}
