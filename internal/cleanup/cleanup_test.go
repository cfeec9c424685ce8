package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
)

type proc struct {
	pid  int
	name string
	exe  string
}

func (p proc) PID() int                                      { return p.pid }
func (p proc) Name(context.Context) (string, error)          { return p.name, nil }
func (p proc) Exe(context.Context) (string, error)           { return p.exe, nil }
func (p proc) Cwd(context.Context) (string, error)           { return "/", nil }
func (p proc) Zombie(context.Context) (bool, error)          { return false, nil }
func (p proc) CreateTime(context.Context) (time.Time, error) { return time.Time{}, nil }

type lister []proc

func (l lister) List(context.Context) ([]registry.Proc, error) {
	out := make([]registry.Proc, 0, len(l))
	for _, p := range l {
		out = append(out, p)
	}
	return out, nil
}

func (l lister) Get(context.Context, int) (registry.Proc, error) { return nil, errors.New("unused") }

type recTerm struct {
	mu    sync.Mutex
	pids  []int
	grace time.Duration
}

func (r *recTerm) Terminate(_ context.Context, pid int, grace time.Duration) (process.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	r.grace = grace
	if pid == 13 {
		return "", errors.New("permission denied")
	}
	return process.Terminated, nil
}

func TestHookTerminatesMatchingNames(t *testing.T) {
	term := &recTerm{}
	h := &Hook{
		Names: []string{"chrome", "chromedriver"},
		Grace: 2 * time.Second,
		Lister: lister{
			{pid: 10, name: "chrome"},
			{pid: 11, name: "python"},
			{pid: 12, name: "chromedrive", exe: "/usr/bin/chromedriver"},
			{pid: 13, name: "chrome"},
		},
		Term: term,
	}
	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 12, 13}, term.pids)
	assert.Equal(t, Result{10: process.Terminated, 12: process.Terminated}, res)
	assert.Equal(t, 2*time.Second, term.grace)
}

func TestHookNoNamesIsNoop(t *testing.T) {
	term := &recTerm{}
	res, err := (&Hook{Lister: lister{{pid: 1, name: "chrome"}}, Term: term}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Empty(t, term.pids)

	var nilHook *Hook
	res, err = nilHook.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
}
