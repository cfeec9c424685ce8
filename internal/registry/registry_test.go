package registry

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/poolkeeper/internal/heartbeat"
)

var errGone = errors.New("process gone")

type fakeProc struct {
	pid     int
	name    string
	exe     string
	cwd     string
	zombie  bool
	started time.Time
	denyCwd bool
	gone    bool
}

func (f fakeProc) PID() int { return f.pid }

func (f fakeProc) Name(context.Context) (string, error) {
	if f.gone {
		return "", errGone
	}
	return f.name, nil
}

func (f fakeProc) Exe(context.Context) (string, error) { return f.exe, nil }

func (f fakeProc) Cwd(context.Context) (string, error) {
	if f.denyCwd {
		return "", os.ErrPermission
	}
	return f.cwd, nil
}

func (f fakeProc) Zombie(context.Context) (bool, error) { return f.zombie, nil }

func (f fakeProc) CreateTime(context.Context) (time.Time, error) { return f.started, nil }

type fakeLister struct {
	procs []fakeProc
	err   error
}

func (l fakeLister) List(context.Context) ([]Proc, error) {
	if l.err != nil {
		return nil, l.err
	}
	out := make([]Proc, 0, len(l.procs))
	for _, p := range l.procs {
		out = append(out, p)
	}
	return out, nil
}

func (l fakeLister) Get(_ context.Context, pid int) (Proc, error) {
	for _, p := range l.procs {
		if p.pid == pid {
			return p, nil
		}
	}
	return nil, errGone
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func poolTable() fakeLister {
	return fakeLister{procs: []fakeProc{
		{pid: 30, name: "python", cwd: "/srv/worker", started: t0.Add(2 * time.Second)},
		{pid: 10, name: "python", cwd: "/srv/worker/sub", started: t0},
		{pid: 20, name: "python3.1", exe: "/srv/worker/.venv/bin/python", cwd: "/srv/worker", started: t0},
		{pid: 40, name: "python", cwd: "/srv/workers", started: t0},
		{pid: 50, name: "node", exe: "/usr/bin/node", cwd: "/srv/worker", started: t0},
		{pid: 60, name: "python", cwd: "/srv/worker", started: t0, zombie: true},
		{pid: 70, name: "python", cwd: "/srv/worker", started: t0, denyCwd: true},
		{pid: 80, name: "python", cwd: "/srv/worker", started: t0, gone: true},
	}}
}

func TestSnapshotAppliesIdentityAndOrder(t *testing.T) {
	r := New(poolTable(), Identity{Interpreter: "/srv/worker/.venv/bin/python", Root: "/srv/worker"}, nil)
	got, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	pids := make([]int, 0, len(got))
	for _, w := range got {
		pids = append(pids, w.PID)
	}
	assert.Equal(t, []int{10, 20, 30}, pids)
	assert.Equal(t, t0, got[0].LaunchedAt)
}

func TestSnapshotPropagatesListFailure(t *testing.T) {
	r := New(fakeLister{err: errors.New("no proc")}, Identity{Interpreter: "python", Root: "/"}, nil)
	_, err := r.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestSnapshotExcludesSelf(t *testing.T) {
	l := fakeLister{procs: []fakeProc{{pid: os.Getpid(), name: "python", cwd: "/w", started: t0}}}
	r := New(l, Identity{Interpreter: "python", Root: "/w"}, nil)
	got, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOwns(t *testing.T) {
	r := New(poolTable(), Identity{Interpreter: "python", Root: "/srv/worker"}, nil)
	ctx := context.Background()
	assert.True(t, r.Owns(ctx, 10))
	assert.False(t, r.Owns(ctx, 40), "sibling directory is not the root")
	assert.False(t, r.Owns(ctx, 60), "zombie")
	assert.False(t, r.Owns(ctx, 999), "absent")
	assert.False(t, r.Owns(ctx, 0))
}

func TestUnderRoot(t *testing.T) {
	id := Identity{Root: "/srv/w/"}
	assert.True(t, id.UnderRoot("/srv/w"))
	assert.True(t, id.UnderRoot("/srv/w/a/b"))
	assert.False(t, id.UnderRoot("/srv/worker"))
	assert.False(t, id.UnderRoot(""))
	assert.True(t, Identity{Root: "/"}.UnderRoot("/anything"))
	assert.False(t, Identity{}.UnderRoot("/anything"))
}

func TestMatchesNameOverride(t *testing.T) {
	id := Identity{Interpreter: "/opt/run.sh", MatchName: "python"}
	assert.True(t, id.MatchesName("python", ""))
	assert.False(t, id.MatchesName("run.sh", "/opt/run.sh"))
}

func TestAnnotate(t *testing.T) {
	procs := []WorkerProcess{
		{PID: 1, LaunchedAt: t0},
		{PID: 2, LaunchedAt: t0},
		{PID: 3, LaunchedAt: t0},
	}
	at := func(ds ...time.Duration) []time.Time {
		out := make([]time.Time, len(ds))
		for i, d := range ds {
			out[i] = t0.Add(d)
		}
		return out
	}
	ev := map[int]heartbeat.Evidence{
		1: {LastHeartbeat: t0.Add(time.Minute), Completed: 4, CompletedAt: at(0, time.Second, 2*time.Second, time.Minute)},
		// written by a previous process that held pid 2
		2: {LastHeartbeat: t0.Add(-time.Hour), Completed: 7, CompletedAt: at(-2*time.Hour, -90*time.Minute, -time.Hour, -time.Hour, -time.Hour, -time.Hour, -time.Hour)},
		9: {LastHeartbeat: t0, Completed: 7},
	}
	got := Annotate(procs, ev)
	require.Len(t, got, 3)
	require.NotNil(t, got[0].LastHeartbeat)
	assert.True(t, got[0].LastHeartbeat.Equal(t0.Add(time.Minute)))
	assert.Equal(t, 4, got[0].Completed)
	assert.Nil(t, got[1].LastHeartbeat)
	assert.Zero(t, got[1].Completed, "reused pid must not inherit the earlier owner's completions")
	assert.Nil(t, got[2].LastHeartbeat)
	assert.Zero(t, got[2].Completed)
	assert.Nil(t, procs[0].LastHeartbeat, "input must not be modified")

	// the new owner's own completions still count after the old ones
	mixed := ev[2]
	mixed.CompletedAt = append(mixed.CompletedAt, t0.Add(30*time.Second), t0.Add(40*time.Second))
	mixed.Completed += 2
	got = Annotate(procs[1:2], map[int]heartbeat.Evidence{2: mixed})
	assert.Equal(t, 2, got[0].Completed)
}

func TestOSListerFindsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep on Unix-like systems")
	}
	dir := t.TempDir()
	cmd := exec.Command("sleep", "5")
	cmd.Dir = dir
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	sleepPath, err := exec.LookPath("sleep")
	require.NoError(t, err)
	root, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	r := New(OSLister{}, Identity{Interpreter: sleepPath, Root: root}, nil)
	ctx := context.Background()
	require.Eventually(t, func() bool { return r.Owns(ctx, cmd.Process.Pid) }, 2*time.Second, 20*time.Millisecond)

	got, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cmd.Process.Pid, got[0].PID)
	assert.False(t, got[0].LaunchedAt.IsZero())
}
