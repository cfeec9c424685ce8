package poolkeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "poolkeeper.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	_, err = New(&Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.interpreter")
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	p := writeConfig(t, `
[pool]
interpreter = "sleep"
workdir = "work"

[history]
dsns = ["nope://x"]
`)
	require.NoError(t, os.MkdirAll(filepath.Join(filepath.Dir(p), "work"), 0o755))
	c, err := LoadConfig(p)
	require.NoError(t, err)
	_, err = New(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}

type recordingSink struct{ events chan HistoryEvent }

func (s recordingSink) Send(_ context.Context, e HistoryEvent) error {
	s.events <- e
	return nil
}

// TestSupervisorLaunchesRealWorkers runs the whole stack against the OS
// process table with sleep as the worker interpreter.
func TestSupervisorLaunchesRealWorkers(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process discovery test runs on linux only")
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	p := writeConfig(t, `
[pool]
name = "it"
interpreter = "`+sleep+`"
args = ["30"]
workdir = "work"
desired = 1
autostart = true
tick_interval = "1s"
stale_after = "1m"
stop_grace = "2s"
bulk_stop_grace = "2s"
`)
	work := filepath.Join(filepath.Dir(p), "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	c, err := LoadConfig(p)
	require.NoError(t, err)
	c.Pool.WorkDir, err = filepath.EvalSymlinks(c.Pool.WorkDir)
	require.NoError(t, err)

	s, err := New(c, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	sink := recordingSink{events: make(chan HistoryEvent, 16)}
	s.AddHistorySink(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Cleanup(func() { _, _ = s.StopAll(context.Background()) })

	require.NoError(t, s.Tick(ctx))
	assert.EqualValues(t, 1, s.State().LifetimeCreated)
	ev := <-sink.events
	assert.Equal(t, "it", ev.Pool)
	assert.NotZero(t, ev.PID)

	var st Status
	require.Eventually(t, func() bool {
		st, err = s.Status(ctx)
		return err == nil && len(st.LiveWorkers) == 1
	}, 5*time.Second, 100*time.Millisecond)
	pid := st.LiveWorkers[0].PID
	assert.Equal(t, ev.PID, pid)

	// desired is met: a second tick launches nothing
	require.NoError(t, s.Tick(ctx))
	assert.EqualValues(t, 1, s.State().LifetimeCreated)

	d, err := s.Worker(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, work, d.Cwd)

	srv := httptest.NewServer(s.Handler("/api"))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body["desired"])

	res, err := s.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Terminated, res[pid])
	assert.True(t, s.State().Paused)
}

func TestServeHoldsPoolLock(t *testing.T) {
	p := writeConfig(t, `
[pool]
interpreter = "sleep"
workdir = "work"

[server]
enabled = false

[metrics]
enabled = false
`)
	require.NoError(t, os.MkdirAll(filepath.Join(filepath.Dir(p), "work"), 0o755))
	c, err := LoadConfig(p)
	require.NoError(t, err)
	s, err := New(c, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	other := flock.New(s.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	err = s.Serve(context.Background())
	require.ErrorIs(t, err, ErrPoolLocked)
	require.NoError(t, other.Unlock())

	// with the lock free, Serve runs until cancelled and then releases it
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Serve(ctx))
	assert.False(t, s.Running())
	locked, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	_ = other.Unlock()
}
