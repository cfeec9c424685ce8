// Package cleanup stops helper processes that sit outside the pool but are
// left behind by workers, such as a headless browser. It runs after a bulk
// stop and never touches pool members through the pool's own predicate.
package cleanup

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
)

// Terminator is the subset of process.Terminator the hook needs.
type Terminator interface {
	Terminate(ctx context.Context, pid int, grace time.Duration) (process.Outcome, error)
}

// Hook terminates every process whose name (or executable base name) is one
// of Names.
type Hook struct {
	Names  []string
	Grace  time.Duration
	Lister registry.Lister
	Term   Terminator
	Log    *slog.Logger
}

// Result maps pid to the outcome of its termination.
type Result map[int]process.Outcome

// Run finds matching processes and terminates them concurrently.
func (h *Hook) Run(ctx context.Context) (Result, error) {
	out := Result{}
	if h == nil || len(h.Names) == 0 {
		return out, nil
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	lister := h.Lister
	if lister == nil {
		lister = registry.OSLister{}
	}
	term := h.Term
	if term == nil {
		term = &process.Terminator{}
	}
	procs, err := lister.List(ctx)
	if err != nil {
		return out, err
	}
	targets := make([]int, 0)
	for _, p := range procs {
		if h.matches(ctx, p) {
			targets = append(targets, p.PID())
		}
	}

	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, pid := range targets {
		wg.Go(func() {
			o, err := term.Terminate(ctx, pid, h.Grace)
			if err != nil {
				log.Warn("cleanup terminate failed", "pid", pid, "action", "cleanup", "err", err)
				return
			}
			log.Info("cleanup terminated process", "pid", pid, "action", "cleanup", "outcome", o)
			mu.Lock()
			out[pid] = o
			mu.Unlock()
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		log.Error("cleanup panic", "action", "cleanup", "panic", r.String())
	}
	return out, nil
}

func (h *Hook) matches(ctx context.Context, p registry.Proc) bool {
	name, err := p.Name(ctx)
	if err != nil {
		return false
	}
	for _, n := range h.Names {
		if name == n {
			return true
		}
	}
	exe, err := p.Exe(ctx)
	if err != nil || exe == "" {
		return false
	}
	base := filepath.Base(exe)
	for _, n := range h.Names {
		if base == n {
			return true
		}
	}
	return false
}
